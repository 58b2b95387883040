// Package license enforces the terminal's entitlement to keep operating
// while disconnected. The guard validates against the locally cached license
// record so the answer never depends on connectivity; refresh replaces the
// cache from a signed server token whenever a sync cycle completes.
//
// Expiry is forgiving by design: a license past its end date stays valid for
// a grace window anchored to the last successful server contact, so a
// terminal that merely lost its connection keeps selling. The kill switch is
// not forgiving; once cached it blocks immediately.
package license

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tillworks/outpost/internal/store"
	outsync "github.com/tillworks/outpost/internal/sync"
)

// Validity reasons reported to the API and logs.
const (
	ReasonOK          = "ok"
	ReasonKillSwitch  = "license revoked"
	ReasonNeverSynced = "no license cached"
	ReasonGraceOver   = "grace period exhausted"
)

// ErrBadToken indicates the server's license token failed verification.
var ErrBadToken = errors.New("license token verification failed")

// Validity is the outcome of a local license check.
type Validity struct {
	Valid    bool   `json:"valid"`
	DaysLeft int    `json:"days_left"`
	Reason   string `json:"reason"`
}

// TokenFetcher retrieves the signed license token from the server.
type TokenFetcher interface {
	FetchLicenseToken(ctx context.Context) (string, error)
}

// LicenseStore persists the cached license record.
type LicenseStore interface {
	GetLicense(ctx context.Context) (*outsync.LicenseRecord, error)
	SaveLicense(ctx context.Context, lic outsync.LicenseRecord) error
}

// claims is the payload of the server-signed license token.
type claims struct {
	OrganizationID string `json:"org_id"`
	LicenseType    string `json:"license_type"`
	LicenseEnd     string `json:"license_end,omitempty"`
	KillSwitch     bool   `json:"kill_switch"`
	MaxTerminals   int    `json:"max_terminals"`
	MaxRecords     int    `json:"max_records"`
	jwt.RegisteredClaims
}

// Guard validates and refreshes the cached license.
type Guard struct {
	store     LicenseStore
	fetcher   TokenFetcher
	publicKey ed25519.PublicKey
	graceDays int
	logger    *slog.Logger
}

// NewGuard creates a Guard. publicKeyB64 is the base64-encoded Ed25519 key
// the server signs license tokens with; empty disables signature refresh
// (dev mode), leaving validation against whatever is cached.
func NewGuard(st LicenseStore, fetcher TokenFetcher, publicKeyB64 string, graceDays int, logger *slog.Logger) (*Guard, error) {
	g := &Guard{
		store:     st,
		fetcher:   fetcher,
		graceDays: graceDays,
		logger:    logger.With("component", "license"),
	}
	if g.graceDays <= 0 {
		g.graceDays = 14
	}

	if publicKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode license public key: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("license public key: want %d bytes, got %d", ed25519.PublicKeySize, len(raw))
		}
		g.publicKey = ed25519.PublicKey(raw)
	}

	return g, nil
}

// Validity checks the cached license without touching the network.
//
// A terminal that has never synced has nothing cached and is invalid. The
// kill switch blocks regardless of dates. An unexpired license is valid; an
// expired one remains valid while the grace window, counted from the last
// successful server contact, still has days left.
func (g *Guard) Validity(ctx context.Context) (Validity, error) {
	lic, err := g.store.GetLicense(ctx)
	if errors.Is(err, store.ErrNoLicense) {
		return Validity{Valid: false, DaysLeft: 0, Reason: ReasonNeverSynced}, nil
	}
	if err != nil {
		return Validity{}, err
	}

	return g.evaluate(lic, time.Now().UTC()), nil
}

// evaluate is the pure decision given a cached record and the current time.
func (g *Guard) evaluate(lic *outsync.LicenseRecord, now time.Time) Validity {
	if lic.KillSwitch {
		return Validity{Valid: false, DaysLeft: 0, Reason: ReasonKillSwitch}
	}

	if lic.LicenseEnd == nil || now.Before(*lic.LicenseEnd) {
		days := -1
		if lic.LicenseEnd != nil {
			days = int(lic.LicenseEnd.Sub(now).Hours() / 24)
		}
		return Validity{Valid: true, DaysLeft: days, Reason: ReasonOK}
	}

	// Expired. Grace runs from the last confirmed server contact, not from
	// the expiry date: a terminal that synced yesterday has nearly the whole
	// window left even if the license lapsed months ago.
	if lic.LastSync == nil {
		return Validity{Valid: false, DaysLeft: 0, Reason: ReasonGraceOver}
	}

	elapsed := int(now.Sub(*lic.LastSync).Hours() / 24)
	left := g.graceDays - elapsed
	if left <= 0 {
		return Validity{Valid: false, DaysLeft: 0, Reason: ReasonGraceOver}
	}
	return Validity{Valid: true, DaysLeft: left, Reason: ReasonOK}
}

// Refresh fetches the signed license token, verifies it, and replaces the
// cached record, stamping the contact time. Called after each successful
// sync cycle; failures leave the cache untouched.
func (g *Guard) Refresh(ctx context.Context) error {
	if g.publicKey == nil {
		g.logger.Debug("license refresh skipped", "action", "refresh", "reason", "no public key configured")
		return nil
	}

	token, err := g.fetcher.FetchLicenseToken(ctx)
	if err != nil {
		return fmt.Errorf("fetch license token: %w", err)
	}

	lic, err := g.verify(token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	lic.LastSync = &now
	if err := g.store.SaveLicense(ctx, *lic); err != nil {
		return fmt.Errorf("save license: %w", err)
	}

	g.logger.Info("license refreshed",
		"action", "refresh",
		"organization_id", lic.OrganizationID,
		"license_type", lic.LicenseType,
		"kill_switch", lic.KillSwitch,
	)
	return nil
}

// verify parses the token, enforcing the Ed25519 signature.
func (g *Guard) verify(token string) (*outsync.LicenseRecord, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return g.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}

	lic := &outsync.LicenseRecord{
		OrganizationID: c.OrganizationID,
		LicenseType:    c.LicenseType,
		KillSwitch:     c.KillSwitch,
		MaxTerminals:   c.MaxTerminals,
		MaxRecords:     c.MaxRecords,
	}
	if c.LicenseEnd != "" {
		end, err := time.Parse(time.RFC3339, c.LicenseEnd)
		if err != nil {
			return nil, fmt.Errorf("%w: bad license_end: %v", ErrBadToken, err)
		}
		lic.LicenseEnd = &end
	}
	return lic, nil
}
