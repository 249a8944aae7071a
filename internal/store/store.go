// Package store provides storage backends for ApptPipe's audit data: outbound receipts,
// the inbound message log, scheduled appointments and inbound deduplication records.
//
// Conversation sessions are deliberately not kept here; they live in the session package.
package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// DefaultDBFileName is the SQLite database file created inside the state directory.
const DefaultDBFileName = "apptpipe.db"

// Store is the audit store used by the dispatcher and the read-only API endpoints.
type Store interface {
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)
	AddResponse(r models.Response) error
	GetResponses() ([]models.Response, error)
	SaveAppointment(a models.Appointment) error
	ListAppointments() ([]models.Appointment, error)
	DedupRepo
	Close() error
}

// Opts holds configuration options for database-backed stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for stores.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" for URLs and
// key=value connection strings, "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// DefaultSQLitePath returns the default database path inside stateDir.
func DefaultSQLitePath(stateDir string) string {
	return filepath.Join(stateDir, DefaultDBFileName)
}

// Open creates the store matching the DSN type. An empty DSN yields an in-memory store.
func Open(dsn string) (Store, error) {
	switch {
	case dsn == "":
		slog.Info("store.Open: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		slog.Info("store.Open: using PostgreSQL store")
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		slog.Info("store.Open: using SQLite store", "path", dsn)
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps all records in process memory.
type InMemoryStore struct {
	mu           sync.RWMutex
	receipts     []models.Receipt
	responses    []models.Response
	appointments []models.Appointment
	inbound      map[string]*DedupRecord
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{inbound: make(map[string]*DedupRecord)}
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) AddResponse(r models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, r)
	return nil
}

func (s *InMemoryStore) GetResponses() ([]models.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Response, len(s.responses))
	copy(out, s.responses)
	return out, nil
}

func (s *InMemoryStore) SaveAppointment(a models.Appointment) error {
	if a.ID == "" {
		return fmt.Errorf("appointment id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.appointments {
		if existing.ID == a.ID {
			return fmt.Errorf("appointment %s already exists", a.ID)
		}
	}
	s.appointments = append(s.appointments, a)
	return nil
}

func (s *InMemoryStore) ListAppointments() ([]models.Appointment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Appointment, len(s.appointments))
	copy(out, s.appointments)
	return out, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sessionKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, SessionKey: sessionKey, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.inbound {
		if rec.ReceivedAt.Before(before) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Close() error { return nil }
