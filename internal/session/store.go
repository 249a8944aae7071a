// Package session holds per-conversation script state in a bounded, volatile cache.
//
// Sessions live only in process memory. The cache is capped by entry count and expires idle
// sessions after a TTL; nothing survives a restart.
package session

import (
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/BTreeMap/ApptPipe/internal/models"
)

// Default cache bounds
const (
	// DefaultMaxEntries caps the number of live sessions
	DefaultMaxEntries = 10000
	// DefaultTTL expires sessions that have not been saved for this long
	DefaultTTL = 24 * time.Hour
)

// Opts holds configuration options for the session store.
type Opts struct {
	MaxEntries int
	TTL        time.Duration
}

// Option defines a configuration option for the session store.
type Option func(*Opts)

// WithMaxEntries sets the maximum number of cached sessions.
func WithMaxEntries(n int) Option {
	return func(o *Opts) { o.MaxEntries = n }
}

// WithTTL sets how long an idle session is kept.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// Store is a bounded LRU of sessions with per-entry expiry and per-key locking.
type Store struct {
	cache *expirable.LRU[string, *models.Session]
	locks *KeyedMutex
}

// NewStore creates a session store.
func NewStore(opts ...Option) *Store {
	cfg := Opts{MaxEntries: DefaultMaxEntries, TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	slog.Debug("session.NewStore: creating session store", "max_entries", cfg.MaxEntries, "ttl", cfg.TTL)

	onEvict := func(key string, s *models.Session) {
		slog.Debug("session.Store: session evicted", "key", key, "state", s.State)
	}
	return &Store{
		cache: expirable.NewLRU[string, *models.Session](cfg.MaxEntries, onEvict, cfg.TTL),
		locks: NewKeyedMutex(),
	}
}

// Get returns a copy of the session for key, or a fresh unsaved session if none exists.
func (s *Store) Get(key string) *models.Session {
	if sess, ok := s.cache.Get(key); ok {
		return sess.Clone()
	}
	slog.Debug("session.Store.Get: creating fresh session", "key", key)
	return models.NewSession(key)
}

// Save stores a copy of the session under its key and refreshes its expiry.
func (s *Store) Save(sess *models.Session) {
	sess.UpdatedAt = time.Now()
	if evicted := s.cache.Add(sess.Key, sess.Clone()); evicted {
		slog.Debug("session.Store.Save: capacity reached, oldest session evicted")
	}
}

// Len reports the number of cached sessions.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Lock acquires the exclusive lock for key and returns its release function.
func (s *Store) Lock(key string) (unlock func()) {
	return s.locks.Lock(key)
}
