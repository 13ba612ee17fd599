package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "notifycore/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json  (periodic snapshot of every collection and dedup key)
//   - <prefix>.journal.jsonl  (append-only journal of writes since the snapshot)
//
// Reads are served from memory. The journal is compacted into the snapshot
// every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	mem          *memoryStore
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalRecord struct {
	Op    string     `json:"op"` // put | del | dedup | prune
	C     Collection `json:"c,omitempty"`
	Doc   *Document  `json:"doc,omitempty"`
	ID    string     `json:"id,omitempty"`
	Key   string     `json:"key,omitempty"`
	Until int64      `json:"until,omitempty"`
}

type fileSnapshot struct {
	Docs  map[Collection][]Document `json:"docs"`
	Dedup map[string]fileDedup      `json:"dedup"`
}

type fileDedup struct {
	ID    string `json:"id,omitempty"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := NewMemory().(*memoryStore)
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("storage journal replay incomplete", logx.Err(err))
	}
	pruneExpiredDedup(mem.dedup, time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:          log,
		mem:          mem,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("storage journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Put(ctx context.Context, c Collection, d Document) error {
	if d.ID == "" {
		return ErrEmptyID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Put(ctx, c, d); err != nil {
		return err
	}
	return s.appendLocked(journalRecord{Op: "put", C: c, Doc: &d})
}

func (s *fileStore) Get(ctx context.Context, c Collection, id string) (Document, error) {
	return s.mem.Get(ctx, c, id)
}

func (s *fileStore) Delete(ctx context.Context, c Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mem.Delete(ctx, c, id)
	return s.appendLocked(journalRecord{Op: "del", C: c, ID: id})
}

func (s *fileStore) List(ctx context.Context, c Collection, f Filter) ([]Document, error) {
	return s.mem.List(ctx, c, f)
}

func (s *fileStore) PruneBefore(ctx context.Context, c Collection, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.mem.PruneBefore(ctx, c, before)
	if n == 0 {
		return 0, nil
	}
	return n, s.appendLocked(journalRecord{Op: "prune", C: c, Until: before.UnixMilli()})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, e DedupEntry) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.mem.PutDedup(ctx, key, e)
	return s.appendLocked(journalRecord{Op: "dedup", Key: key, ID: e.ID, Until: e.Until.UnixMilli()})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (DedupEntry, bool, error) {
	return s.mem.GetDedup(ctx, key)
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{Docs: map[Collection][]Document{}, Dedup: map[string]fileDedup{}}
	s.mem.mu.Lock()
	pruneExpiredDedup(s.mem.dedup, time.Now())
	for c, m := range s.mem.docs {
		for _, d := range m {
			snap.Docs[c] = append(snap.Docs[c], d)
		}
	}
	for k, v := range s.mem.dedup {
		snap.Dedup[k] = fileDedup{ID: v.ID, Until: v.Until.UnixMilli()}
	}
	s.mem.mu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for c, docs := range snap.Docs {
		for _, d := range docs {
			_ = mem.Put(context.Background(), c, d)
		}
	}
	for k, v := range snap.Dedup {
		mem.dedup[k] = DedupEntry{ID: v.ID, Until: time.UnixMilli(v.Until)}
	}
	return nil
}

func replayJournal(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "put":
			if r.Doc != nil {
				_ = mem.Put(ctx, r.C, *r.Doc)
			}
		case "del":
			_ = mem.Delete(ctx, r.C, r.ID)
		case "prune":
			_, _ = mem.PruneBefore(ctx, r.C, time.UnixMilli(r.Until))
		case "dedup":
			if r.Key != "" {
				mem.dedup[r.Key] = DedupEntry{ID: r.ID, Until: time.UnixMilli(r.Until)}
			}
		}
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]DedupEntry, now time.Time) {
	for k, v := range m {
		if v.Until.Before(now) {
			delete(m, k)
		}
	}
}
