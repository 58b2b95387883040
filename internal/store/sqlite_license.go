package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	outsync "github.com/tillworks/outpost/internal/sync"
)

// GetLicense returns the cached license record.
// Returns ErrNoLicense when the terminal has never been activated.
func (s *SQLiteStore) GetLicense(ctx context.Context) (*outsync.LicenseRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT organization_id, license_type, license_end, kill_switch, last_sync, max_terminals, max_records
		FROM license
		WHERE id = 1
	`)

	var lic outsync.LicenseRecord
	var licenseEnd, lastSync sql.NullString
	var killSwitch int

	err := row.Scan(&lic.OrganizationID, &lic.LicenseType, &licenseEnd,
		&killSwitch, &lastSync, &lic.MaxTerminals, &lic.MaxRecords)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLicense
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}

	lic.KillSwitch = killSwitch != 0
	lic.LicenseEnd = parseNullableTime("license.license_end", licenseEnd)
	lic.LastSync = parseNullableTime("license.last_sync", lastSync)

	return &lic, nil
}

// SaveLicense replaces the cached license record.
// Called only by the license guard's refresh after successful server contact.
func (s *SQLiteStore) SaveLicense(ctx context.Context, lic outsync.LicenseRecord) error {
	killSwitch := 0
	if lic.KillSwitch {
		killSwitch = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO license
			(id, organization_id, license_type, license_end, kill_switch, last_sync, max_terminals, max_records, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lic.OrganizationID, lic.LicenseType, nullableTime(lic.LicenseEnd), killSwitch,
		nullableTime(lic.LastSync), lic.MaxTerminals, lic.MaxRecords,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save license: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(field string, v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		slog.Warn("failed to parse timestamp", "field", field, "value", v.String, "error", err)
		return nil
	}
	return &t
}
