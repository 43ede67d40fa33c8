package jobstore

import (
	"context"
	"fmt"
)

// ProxyStore persists the Fetcher's proxy rotation list so it survives
// restarts, satisfying internal/proxy.Store. Adapted from the teacher's
// ProxyManager.loadProxies, simplified from the teacher's full per-proxy
// health-tracking schema down to the single endpoint column the Rotator
// actually needs — health state (consecutive failures, disabled) lives
// in-process on the Rotator itself, per spec §3's Proxy Entry model.
type ProxyStore struct {
	db *DB
}

// NewProxyStore wraps a connected DB.
func NewProxyStore(db *DB) *ProxyStore { return &ProxyStore{db: db} }

// EnsureSchema creates the proxies table if it does not already exist.
func (s *ProxyStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS proxies (
	endpoint TEXT PRIMARY KEY,
	valid    BOOLEAN NOT NULL DEFAULT true
);
`)
	if err != nil {
		return fmt.Errorf("jobstore: ensure proxies schema: %w", err)
	}
	return nil
}

// LoadEndpoints returns every valid proxy endpoint, satisfying
// internal/proxy.Store. The query has no ORDER BY, so the order is whatever
// Postgres returns; it is not guaranteed to be insertion order.
func (s *ProxyStore) LoadEndpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT endpoint FROM proxies WHERE valid = true`)
	if err != nil {
		return nil, fmt.Errorf("jobstore: load proxy endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []string
	for rows.Next() {
		var endpoint string
		if err := rows.Scan(&endpoint); err != nil {
			return nil, fmt.Errorf("jobstore: scan proxy endpoint: %w", err)
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, nil
}
