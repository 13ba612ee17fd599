package history

import (
	"context"
	"testing"
	"time"

	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

func at(day, hour int) time.Time {
	return time.Date(2024, 4, day, hour, 0, 0, 0, time.UTC)
}

func entry(nid, user string, status kit.Status, when time.Time) Entry {
	return Entry{NotificationID: nid, Type: "billing", Status: status, Recipients: []string{user}, At: when}
}

func TestAppendAssignsIDAndBucket(t *testing.T) {
	t.Parallel()
	h := New(nil, logx.Nop())
	e := h.Append(context.Background(), entry("n1", "u", kit.StatusSent, at(3, 23)))
	if e.ID == "" || e.Bucket != "2024-04-03" {
		t.Fatalf("entry = %+v", e)
	}
	e2 := h.Append(context.Background(), entry("n1", "u", kit.StatusSent, at(3, 23)))
	if e2.ID <= e.ID {
		t.Fatalf("ids not monotonic: %s then %s", e.ID, e2.ID)
	}
}

func TestQueryFiltersNewestFirst(t *testing.T) {
	t.Parallel()
	h := New(nil, logx.Nop())
	ctx := context.Background()
	h.Append(ctx, entry("n1", "alice", kit.StatusSent, at(1, 9)))
	h.Append(ctx, entry("n2", "bob", kit.StatusFailed, at(2, 9)))
	h.Append(ctx, entry("n3", "alice", kit.StatusSent, at(3, 9)))
	h.Append(ctx, entry("n4", "alice", kit.StatusFailed, at(3, 8)))

	got := h.Query(Filter{UserID: "alice"})
	if len(got) != 3 || got[0].NotificationID != "n3" || got[1].NotificationID != "n4" || got[2].NotificationID != "n1" {
		t.Fatalf("alice history = %+v", got)
	}
	if got := h.Query(Filter{Status: kit.StatusFailed}); len(got) != 2 {
		t.Fatalf("failed = %d", len(got))
	}
	if got := h.Query(Filter{From: at(2, 0), To: at(3, 0)}); len(got) != 1 || got[0].NotificationID != "n2" {
		t.Fatalf("range = %+v", got)
	}
	if got := h.Query(Filter{Limit: 2}); len(got) != 2 {
		t.Fatalf("limit = %d", len(got))
	}
}

func TestForNotification(t *testing.T) {
	t.Parallel()
	h := New(nil, logx.Nop())
	ctx := context.Background()
	n := &kit.Notification{ID: "n1", Type: "x", Status: kit.StatusSent,
		Channels: []kit.Channel{kit.ChannelInApp}, Recipients: []kit.Recipient{{UserID: "u"}}}
	h.Record(ctx, n, true)
	h.Append(ctx, entry("n2", "u", kit.StatusSent, time.Time{}))

	got := h.ForNotification("n1")
	if len(got) != 1 || !got[0].Digest || got[0].Recipients[0] != "u" {
		t.Fatalf("entries = %+v", got)
	}
	if h.ForNotification("missing") != nil {
		t.Fatal("unknown notification has entries")
	}
}

func TestCleanupDropsWholeBuckets(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	h := New(store, logx.Nop())
	ctx := context.Background()
	h.Append(ctx, entry("old", "u", kit.StatusSent, at(1, 10)))
	h.Append(ctx, entry("edge", "u", kit.StatusSent, at(2, 0)))
	h.Append(ctx, entry("new", "u", kit.StatusSent, at(2, 18)))

	// Cutoff mid-day on the 2nd keeps the whole 2nd bucket.
	if removed := h.Cleanup(ctx, at(2, 12)); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if h.Len() != 2 || h.ForNotification("old") != nil {
		t.Fatal("old bucket still present")
	}
	docs, err := store.List(ctx, storage.History, storage.Filter{})
	if err != nil || len(docs) != 2 {
		t.Fatalf("persisted = %d, %v", len(docs), err)
	}
}

func TestLoadRestoresEntries(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	New(store, logx.Nop()).Append(ctx, entry("n1", "u", kit.StatusSent, at(5, 5)))

	h := New(store, logx.Nop())
	if err := h.Load(ctx, at(1, 0)); err != nil {
		t.Fatal(err)
	}
	if got := h.ForNotification("n1"); len(got) != 1 {
		t.Fatalf("loaded = %+v", got)
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "@daily", "0 3 * * *", "@every 1h"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("%q: %v", ok, err)
		}
	}
	if err := ValidateSchedule("every tuesday"); err == nil {
		t.Fatal("expected error")
	}
}
