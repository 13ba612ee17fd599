package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "notifycore/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	out["file"] = fs

	ss, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "db", "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	out["sqlite"] = ss

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func mustDoc(t *testing.T, id, user, kind string, at time.Time) Document {
	t.Helper()
	d, err := NewDocument(id, map[string]string{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	d.UserID, d.Kind, d.At = user, kind, at
	return d
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if st != nil || err != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", st, err)
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		d := mustDoc(t, "a", "u1", "alert", base)
		if err := st.Put(ctx, Notifications, d); err != nil {
			t.Fatalf("%s: put: %v", name, err)
		}
		got, err := st.Get(ctx, Notifications, "a")
		if err != nil {
			t.Fatalf("%s: get: %v", name, err)
		}
		if got.UserID != "u1" || got.Kind != "alert" || !got.At.Equal(base) {
			t.Fatalf("%s: unexpected document %+v", name, got)
		}
		var body map[string]string
		if err := got.Decode(&body); err != nil || body["id"] != "a" {
			t.Fatalf("%s: body = %v, %v", name, body, err)
		}
		if _, err := st.Get(ctx, Scheduled, "a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: collections must be isolated, got %v", name, err)
		}
		if err := st.Delete(ctx, Notifications, "a"); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		if _, err := st.Get(ctx, Notifications, "a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound after delete, got %v", name, err)
		}
		if err := st.Put(ctx, Notifications, Document{}); !errors.Is(err, ErrEmptyID) {
			t.Fatalf("%s: expected ErrEmptyID, got %v", name, err)
		}
	}
}

func TestListFilterAndOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		for i, id := range []string{"c", "a", "b", "d"} {
			user := "u1"
			if id == "d" {
				user = "u2"
			}
			if err := st.Put(ctx, History, mustDoc(t, id, user, "alert", base.Add(time.Duration(i)*time.Hour))); err != nil {
				t.Fatal(err)
			}
		}

		docs, err := st.List(ctx, History, Filter{UserID: "u1"})
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if len(docs) != 3 || docs[0].ID != "c" || docs[2].ID != "b" {
			t.Fatalf("%s: unexpected order %v", name, ids(docs))
		}

		docs, _ = st.List(ctx, History, Filter{Desc: true, Limit: 2})
		if len(docs) != 2 || docs[0].ID != "d" || docs[1].ID != "b" {
			t.Fatalf("%s: desc+limit = %v", name, ids(docs))
		}

		docs, _ = st.List(ctx, History, Filter{From: base.Add(time.Hour), To: base.Add(3 * time.Hour)})
		if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
			t.Fatalf("%s: window = %v", name, ids(docs))
		}
	}
}

func TestPruneBefore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for name, st := range openDrivers(t) {
		old := mustDoc(t, "old", "u", "", base)
		fresh := mustDoc(t, "fresh", "u", "", base.Add(48*time.Hour))
		ttl := mustDoc(t, "ttl", "u", "", base.Add(48*time.Hour))
		ttl.ExpiresAt = base.Add(time.Hour)
		for _, d := range []Document{old, fresh, ttl} {
			if err := st.Put(ctx, History, d); err != nil {
				t.Fatal(err)
			}
		}
		n, err := st.PruneBefore(ctx, History, base.Add(24*time.Hour))
		if err != nil || n != 2 {
			t.Fatalf("%s: pruned %d, %v; want 2", name, n, err)
		}
		docs, _ := st.List(ctx, History, Filter{})
		if len(docs) != 1 || docs[0].ID != "fresh" {
			t.Fatalf("%s: remaining %v", name, ids(docs))
		}
	}
}

func TestDedupKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	for name, st := range openDrivers(t) {
		if _, ok, err := st.GetDedup(ctx, "k"); ok || err != nil {
			t.Fatalf("%s: unexpected dedup hit (%v, %v)", name, ok, err)
		}
		if err := st.PutDedup(ctx, "k", DedupEntry{ID: "n-1", Until: until}); err != nil {
			t.Fatalf("%s: put dedup: %v", name, err)
		}
		got, ok, err := st.GetDedup(ctx, "k")
		if err != nil || !ok || got.ID != "n-1" || !got.Until.Equal(until) {
			t.Fatalf("%s: dedup = %+v %v %v", name, got, ok, err)
		}
	}
}

func TestParseRedisDedupValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in     string
		id     string
		ms     int64
		hasErr bool
	}{
		{"1717243200000 n-1", "n-1", 1717243200000, false},
		{"1717243200000", "", 1717243200000, false},
		{"soon n-1", "", 0, true},
	}
	for _, tc := range tests {
		e, ok, err := parseRedisDedup("k", tc.in)
		if (err != nil) != tc.hasErr {
			t.Errorf("%q: err = %v", tc.in, err)
			continue
		}
		if tc.hasErr {
			continue
		}
		if !ok || e.ID != tc.id || e.Until.UnixMilli() != tc.ms {
			t.Errorf("%q: got %+v", tc.in, e)
		}
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Put(ctx, Preferences, mustDoc(t, "u1", "u1", "", at))
	_ = st.Put(ctx, Preferences, mustDoc(t, "u2", "u2", "", at))
	_ = st.Delete(ctx, Preferences, "u2")
	_ = st.PutDedup(ctx, "fp", DedupEntry{ID: "n-1", Until: time.Now().Add(time.Hour)})

	// Reopen without Close: state must come back from the journal alone.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	docs, _ := st2.List(ctx, Preferences, Filter{})
	if len(docs) != 1 || docs[0].ID != "u1" {
		t.Fatalf("journal replay: %v", ids(docs))
	}
	if e, ok, _ := st2.GetDedup(ctx, "fp"); !ok || e.ID != "n-1" {
		t.Fatalf("dedup key lost: %+v", e)
	}
	_ = st2.Close()
	_ = st.Close()

	// Close compacts into the snapshot.
	st3, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st3.Close()
	if _, err := st3.Get(ctx, Preferences, "u1"); err != nil {
		t.Fatalf("snapshot reload: %v", err)
	}
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
