// Package store provides storage backends for LeadPipe.
//
// This file implements a PostgreSQL-backed store for leads and inbound dedup records.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore stores leads in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// SaveLead upserts an archived lead.
func (s *PostgresStore) SaveLead(lead models.Lead) error {
	fieldsJSON, err := marshalFields(lead.Fields)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO leads (id, actor_id, flow, fields, status, remote_id, diagnostic, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			fields = EXCLUDED.fields,
			status = EXCLUDED.status,
			remote_id = EXCLUDED.remote_id,
			diagnostic = EXCLUDED.diagnostic`,
		lead.ID, lead.ActorID, string(lead.Flow), fieldsJSON, string(lead.Status),
		nilIfEmpty(lead.RemoteID), nilIfEmpty(lead.Diagnostic), lead.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveLead failed", "error", err, "leadID", lead.ID)
		return fmt.Errorf("failed to save lead %s: %w", lead.ID, err)
	}
	slog.Debug("PostgresStore SaveLead succeeded", "leadID", lead.ID, "status", lead.Status)
	return nil
}

// GetLeads returns all archived leads ordered by creation time.
func (s *PostgresStore) GetLeads() ([]models.Lead, error) {
	rows, err := s.db.Query(`
		SELECT id, actor_id, flow, fields::text, status, remote_id, diagnostic, created_at
		FROM leads ORDER BY created_at, id`)
	if err != nil {
		slog.Error("PostgresStore GetLeads query failed", "error", err)
		return nil, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	leads, err := scanLeads(rows)
	if err != nil {
		slog.Error("PostgresStore GetLeads scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore GetLeads succeeded", "count", len(leads))
	return leads, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
