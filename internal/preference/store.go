package preference

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifycore/internal/storage"
	logx "notifycore/pkg/logx"
)

// Store caches preference records in memory and writes them through to
// storage. Records are never mutated in place; Set swaps the pointer.
type Store struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	mu    sync.RWMutex
	recs  map[string]*UserPreferences
	dirty map[string]struct{}
}

func NewStore(store storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:   log,
		store: store,
		now:   time.Now,
		recs:  map[string]*UserPreferences{},
		dirty: map[string]struct{}{},
	}
}

// Get returns the user's record, or Defaults when none is set.
func (s *Store) Get(userID string) UserPreferences {
	s.mu.RLock()
	p := s.recs[userID]
	s.mu.RUnlock()
	if p == nil {
		return Defaults(userID)
	}
	return p.Clone()
}

// Has reports whether a record was explicitly set for the user.
func (s *Store) Has(userID string) bool {
	s.mu.RLock()
	_, ok := s.recs[userID]
	s.mu.RUnlock()
	return ok
}

// Set validates and replaces the user's record. A storage failure is logged
// and retried by Flush; the in-memory record is kept either way.
func (s *Store) Set(ctx context.Context, p UserPreferences) error {
	if err := p.Validate(); err != nil {
		return err
	}
	rec := p.Clone()
	rec.UpdatedAt = s.now().UTC()

	s.mu.Lock()
	s.recs[rec.UserID] = &rec
	s.mu.Unlock()

	if err := s.persist(ctx, &rec); err != nil {
		s.log.Warn("persist preferences failed", logx.String("user_id", rec.UserID), logx.Err(err))
		s.mu.Lock()
		s.dirty[rec.UserID] = struct{}{}
		s.mu.Unlock()
	}
	return nil
}

// List returns all explicitly set records ordered by user id.
func (s *Store) List() []UserPreferences {
	s.mu.RLock()
	out := make([]UserPreferences, 0, len(s.recs))
	for _, p := range s.recs {
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Dirty returns how many records still wait to be persisted.
func (s *Store) Dirty() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Flush retries persisting records whose last write failed.
func (s *Store) Flush(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	s.mu.RLock()
	pending := make([]*UserPreferences, 0, len(s.dirty))
	for id := range s.dirty {
		if p := s.recs[id]; p != nil {
			pending = append(pending, p)
		}
	}
	s.mu.RUnlock()

	var firstErr error
	for _, p := range pending {
		if err := s.persist(ctx, p); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.mu.Lock()
		// A newer Set may have landed meanwhile; only clear if unchanged.
		if s.recs[p.UserID] == p {
			delete(s.dirty, p.UserID)
		}
		s.mu.Unlock()
	}
	return firstErr
}

// Load warms the cache from storage.
func (s *Store) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	docs, err := s.store.List(ctx, storage.Preferences, storage.Filter{})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		var p UserPreferences
		if err := d.Decode(&p); err != nil || p.UserID == "" {
			s.log.Warn("skip unreadable preferences", logx.String("id", d.ID), logx.Any("err", err))
			continue
		}
		if cur := s.recs[p.UserID]; cur != nil && cur.UpdatedAt.After(p.UpdatedAt) {
			continue
		}
		rec := p
		s.recs[p.UserID] = &rec
	}
	return nil
}

func (s *Store) persist(ctx context.Context, p *UserPreferences) error {
	if s.store == nil {
		return nil
	}
	doc, err := storage.NewDocument(p.UserID, p)
	if err != nil {
		return err
	}
	doc.UserID = p.UserID
	doc.At = p.UpdatedAt
	return s.store.Put(ctx, storage.Preferences, doc)
}
