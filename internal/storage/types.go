package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("document not found")
	ErrEmptyID  = errors.New("document id is empty")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (tests, ephemeral deployments)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx pool
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	MaxConns    int32         // postgres; 0 means pgx default
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Redis, when Addr is set, takes over dedup keys for any driver.
	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string // host:port or redis:// URL
	Password string
	DB       int
	Prefix   string
}

// Collection names a logical document set.
type Collection string

const (
	Notifications Collection = "notifications"
	Scheduled     Collection = "scheduled"
	Preferences   Collection = "preferences"
	History       Collection = "history"
	Subscriptions Collection = "subscriptions"
)

// Document is a JSON body plus the few columns every driver indexes.
type Document struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Status    string          `json:"status,omitempty"`
	At        time.Time       `json:"at"`
	ExpiresAt time.Time       `json:"expires_at,omitempty"`
	Body      json.RawMessage `json:"body"`
}

// NewDocument marshals v into a document body.
func NewDocument(id string, v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Body: b}, nil
}

// Decode unmarshals the body into v.
func (d Document) Decode(v any) error { return json.Unmarshal(d.Body, v) }

// Filter selects documents in List. Zero fields match everything.
// From is inclusive, To exclusive.
type Filter struct {
	UserID string
	Kind   string
	Status string
	From   time.Time
	To     time.Time
	Limit  int
	Desc   bool
}

func (f Filter) match(d Document) bool {
	switch {
	case f.UserID != "" && d.UserID != f.UserID:
		return false
	case f.Kind != "" && d.Kind != f.Kind:
		return false
	case f.Status != "" && d.Status != f.Status:
		return false
	case !f.From.IsZero() && d.At.Before(f.From):
		return false
	case !f.To.IsZero() && !d.At.Before(f.To):
		return false
	}
	return true
}

// DedupEntry marks a content fingerprint as seen until Until. ID is the
// notification that first carried it.
type DedupEntry struct {
	ID    string
	Until time.Time
}

// Store is the persistence API used by the notification components.
//
// PruneBefore deletes documents whose At is before the cutoff, plus any whose
// ExpiresAt has passed it.
type Store interface {
	Put(ctx context.Context, c Collection, d Document) error
	Get(ctx context.Context, c Collection, id string) (Document, error)
	Delete(ctx context.Context, c Collection, id string) error
	List(ctx context.Context, c Collection, f Filter) ([]Document, error)
	PruneBefore(ctx context.Context, c Collection, before time.Time) (int, error)

	PutDedup(ctx context.Context, key string, e DedupEntry) error
	GetDedup(ctx context.Context, key string) (e DedupEntry, ok bool, err error)

	Close() error
}

func expired(d Document, before time.Time) bool {
	return d.At.Before(before) || (!d.ExpiresAt.IsZero() && d.ExpiresAt.Before(before))
}

func sortDocs(docs []Document, desc bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if !a.At.Equal(b.At) {
			if desc {
				return a.At.After(b.At)
			}
			return a.At.Before(b.At)
		}
		if desc {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
}

func limit(docs []Document, n int) []Document {
	if n > 0 && len(docs) > n {
		return docs[:n]
	}
	return docs
}

func cloneDoc(d Document) Document {
	d.Body = append(json.RawMessage(nil), d.Body...)
	return d
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
