// Package store provides storage backends for LeadPipe.
//
// It archives consented leads and records inbound message IDs for deduplication. Backends are
// in-memory, SQLite and PostgreSQL. Conversation sessions are not stored here; they live in the
// flow package's session store for the lifetime of the process.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Store is the persistence surface used by the rest of LeadPipe.
type Store interface {
	DedupRepo

	// SaveLead archives a lead. Saving a lead with an existing ID replaces it.
	SaveLead(lead models.Lead) error

	// GetLeads returns archived leads, oldest first.
	GetLeads() ([]models.Lead, error)

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN     string // database connection string
	Backend string // "sqlite" or "postgres"; empty means in-memory
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN selects the SQLite backend with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = "sqlite"
	}
}

// WithPostgresDSN selects the PostgreSQL backend with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = "postgres"
	}
}

// New creates the store selected by opts, falling back to an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch cfg.Backend {
	case "sqlite":
		return NewSQLiteStore(opts...)
	case "postgres":
		return NewPostgresStore(opts...)
	case "":
		slog.Info("No database configured, using in-memory store; leads will not survive restarts")
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value DSNs such as "host=localhost user=postgres"
	if strings.Contains(dsn, "=") && strings.Contains(dsn, " ") && !strings.Contains(dsn, "/") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// InMemoryStore is a simple in-memory store for leads and dedup records.
type InMemoryStore struct {
	mu      sync.RWMutex
	leads   map[string]models.Lead
	inbound map[string]DedupRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		leads:   make(map[string]models.Lead),
		inbound: make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) SaveLead(lead models.Lead) error {
	if lead.ID == "" {
		return fmt.Errorf("lead id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[lead.ID] = copyLead(lead)
	return nil
}

func (s *InMemoryStore) GetLeads() ([]models.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	leads := make([]models.Lead, 0, len(s.leads))
	for _, l := range s.leads {
		leads = append(leads, copyLead(l))
	}
	sort.Slice(leads, func(i, j int) bool {
		if leads[i].CreatedAt.Equal(leads[j].CreatedAt) {
			return leads[i].ID < leads[j].ID
		}
		return leads[i].CreatedAt.Before(leads[j].CreatedAt)
	})
	return leads, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inbound[messageID]
	if !ok {
		return fmt.Errorf("mark processed failed: message %s not recorded", messageID)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.inbound[messageID] = rec
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func copyLead(l models.Lead) models.Lead {
	fields := make(map[string]string, len(l.Fields))
	for k, v := range l.Fields {
		fields[k] = v
	}
	l.Fields = fields
	return l
}
