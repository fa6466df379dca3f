// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package configrepo implements the Configuration Repository (spec
// §4.5): the persistent, sqlite-backed store of record for every
// service-kind configuration, flow rule, DNS rule/upstream, firewall
// rule, NAT service and static mapping, and IP/MAC binding. It is
// distinct from internal/state, which is a generic key-value
// substrate for ephemeral service-local data (DHCP leases, metrics
// baselines); the Configuration Repository's tables have real SQL
// columns per record type, one table per kind, matching the shape a
// Service Manager reads at startup and a CRUD layer (out of scope
// here, per spec §1) would expose over HTTP.
package configrepo

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/flywall/routerd/internal/clock"
)

// Repo is the Configuration Repository, backed by one sqlite file.
type Repo struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (if necessary) and migrates the repository database at
// path. Use ":memory:" for an ephemeral repository, as tests do.
func Open(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("configrepo: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) migrate() error {
	stmts := []string{
		schemaServiceConfigs,
		schemaFlowRules,
		schemaDNSRules,
		schemaDNSUpstreams,
		schemaFirewallRules,
		schemaDstIPRules,
		schemaNatService,
		schemaStaticNatMapping,
		schemaIPMacBindings,
	}
	for _, s := range stmts {
		if _, err := r.db.Exec(s); err != nil {
			return fmt.Errorf("configrepo: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Repo) Close() error {
	return r.db.Close()
}

// nowSeconds returns the current wall-clock time as fractional
// seconds since epoch, matching the `update_at` column's format
// across every table (spec §3 "monotonic wall-clock timestamp
// (seconds since epoch, fractional)").
func nowSeconds() float64 {
	t := clock.Now()
	return float64(t.UnixNano()) / 1e9
}
