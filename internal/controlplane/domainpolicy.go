package controlplane

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// DomainPolicy is a per-host override directive (spec §9's supplemented
// per-domain override feature). Allowed is enforced by ControlPlane.Admit.
// CustomDelayMs is stored and returned by CustomDelay, but nothing in the
// crawl path reads it: the Frontier's adaptive delay still applies to the
// host.
type DomainPolicy struct {
	Host         string     `db:"host"`
	Allowed      bool       `db:"allowed"`
	CustomDelayMs *int64    `db:"custom_delay_ms"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

// CustomDelay returns the policy's pinned delay, if any.
func (p DomainPolicy) CustomDelay() (time.Duration, bool) {
	if p.CustomDelayMs == nil {
		return 0, false
	}
	return time.Duration(*p.CustomDelayMs) * time.Millisecond, true
}

// PolicyStore persists DomainPolicy rows via jmoiron/sqlx, a low-churn
// control-plane table kept separate from jobstore's high-churn pgxpool
// usage (SPEC_FULL.md §6.1: "giving both of the teacher's SQL layers a
// concrete, exercised home").
type PolicyStore struct {
	db *sqlx.DB
}

// OpenPolicyStore opens a sqlx.DB against the same Postgres instance as
// jobstore, using the pgx stdlib driver.
func OpenPolicyStore(dsn string) (*PolicyStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("controlplane: open policy store: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("controlplane: ping policy store: %w", err)
	}
	return &PolicyStore{db: db}, nil
}

// Close releases the underlying connection.
func (s *PolicyStore) Close() error { return s.db.Close() }

// Get returns a host's policy, or the zero-value allowed-by-default policy
// if none is set.
func (s *PolicyStore) Get(ctx context.Context, host string) (DomainPolicy, error) {
	var policy DomainPolicy
	err := s.db.GetContext(ctx, &policy, `SELECT host, allowed, custom_delay_ms, updated_at FROM domain_policies WHERE host = $1`, host)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DomainPolicy{Host: host, Allowed: true}, nil
		}
		return DomainPolicy{}, fmt.Errorf("controlplane: get policy for %s: %w", host, err)
	}
	return policy, nil
}

// Set upserts a host's policy.
func (s *PolicyStore) Set(ctx context.Context, policy DomainPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_policies (host, allowed, custom_delay_ms, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (host) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			custom_delay_ms = EXCLUDED.custom_delay_ms,
			updated_at = now()
	`, policy.Host, policy.Allowed, policy.CustomDelayMs)
	if err != nil {
		return fmt.Errorf("controlplane: set policy for %s: %w", policy.Host, err)
	}
	return nil
}

// List returns every configured policy (hosts with no row are implicitly
// allowed and are not returned here).
func (s *PolicyStore) List(ctx context.Context) ([]DomainPolicy, error) {
	var policies []DomainPolicy
	if err := s.db.SelectContext(ctx, &policies, `SELECT host, allowed, custom_delay_ms, updated_at FROM domain_policies ORDER BY host`); err != nil {
		return nil, fmt.Errorf("controlplane: list policies: %w", err)
	}
	return policies, nil
}
