package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillworks/outpost/internal/config"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync and license status of the running agent",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "Output in JSON format")
}

// localAPI issues one authenticated request against the running agent.
func localAPI(method, path string) (*http.Response, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.API.Port, path)
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.API.Key)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable on port %d: %w", cfg.API.Port, err)
	}
	return resp, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := localAPI(http.MethodGet, "/api/v1/status")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status request failed (%d): %s", resp.StatusCode, body)
	}

	var st struct {
		IsSyncing      bool       `json:"is_syncing"`
		PendingCount   int        `json:"pending_count"`
		LastSync       *time.Time `json:"last_sync"`
		LastSyncStatus string     `json:"last_sync_status"`
		PeerConnected  bool       `json:"peer_connected"`
		Online         bool       `json:"online"`
		Connection     string     `json:"connection"`
		License        struct {
			Valid    bool   `json:"valid"`
			DaysLeft int    `json:"days_left"`
			Reason   string `json:"reason"`
		} `json:"license"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	if statusJSONOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection:  %s\n", st.Connection)
	fmt.Fprintf(out, "Syncing:     %v\n", st.IsSyncing)
	fmt.Fprintf(out, "Pending:     %d\n", st.PendingCount)
	if st.LastSync != nil {
		fmt.Fprintf(out, "Last sync:   %s (%s)\n", st.LastSync.Local().Format("2006-01-02 15:04:05"), st.LastSyncStatus)
	} else {
		fmt.Fprintln(out, "Last sync:   never")
	}
	fmt.Fprintf(out, "Peers:       connected=%v\n", st.PeerConnected)
	if st.License.Valid {
		fmt.Fprintf(out, "License:     valid (%d days left)\n", st.License.DaysLeft)
	} else {
		fmt.Fprintf(out, "License:     BLOCKED (%s)\n", st.License.Reason)
	}
	return nil
}
