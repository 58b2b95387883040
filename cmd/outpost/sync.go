package main

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger an immediate sync cycle on the running agent",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	resp, err := localAPI(http.MethodPost, "/api/v1/sync")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Fprintln(cmd.OutOrStdout(), "Sync started.")
		return nil
	case http.StatusConflict:
		fmt.Fprintln(cmd.OutOrStdout(), "Sync already in progress.")
		return nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sync request failed (%d): %s", resp.StatusCode, body)
	}
}
