package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	kit "notifycore/internal/transport"
)

func TestQueueFIFOAndCapacity(t *testing.T) {
	t.Parallel()
	q := NewQueue(kit.LaneStandard, 2)
	a, b, c := &kit.Notification{ID: "a"}, &kit.Notification{ID: "b"}, &kit.Notification{ID: "c"}
	if err := q.Push(a); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(b); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(c); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("push over capacity = %v", err)
	}
	if err := q.Requeue(c); err != nil {
		t.Fatalf("requeue should ignore capacity: %v", err)
	}
	for _, want := range []string{"a", "b", "c"} {
		n, err := q.Pop(context.Background(), time.Second)
		if err != nil || n == nil || n.ID != want {
			t.Fatalf("pop = %+v, %v; want %s", n, err, want)
		}
	}
}

func TestQueuePopTimeout(t *testing.T) {
	t.Parallel()
	q := NewQueue(kit.LaneBatch, 1)
	start := time.Now()
	n, err := q.Pop(context.Background(), 30*time.Millisecond)
	if n != nil || err != nil {
		t.Fatalf("pop on empty = %+v, %v", n, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("pop returned before timeout")
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	t.Parallel()
	q := NewQueue(kit.LanePriority, 4)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(&kit.Notification{ID: "x"})
	}()
	n, err := q.Pop(context.Background(), 2*time.Second)
	if err != nil || n == nil || n.ID != "x" {
		t.Fatalf("pop = %+v, %v", n, err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	t.Parallel()
	q := NewQueue(kit.LaneStandard, 4)
	_ = q.Push(&kit.Notification{ID: "a"})
	q.Close()
	q.Close()
	if err := q.Push(&kit.Notification{ID: "b"}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("push after close = %v", err)
	}
	if n, err := q.Pop(context.Background(), time.Second); err != nil || n.ID != "a" {
		t.Fatalf("pop after close = %+v, %v", n, err)
	}
	if _, err := q.Pop(context.Background(), time.Second); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("pop on drained closed queue = %v", err)
	}
}

func TestFingerprintIgnoresRecipientOrder(t *testing.T) {
	t.Parallel()
	a := &kit.Notification{Type: "t", Subject: "s", Body: "b", Channels: []kit.Channel{kit.ChannelEmail},
		Recipients: []kit.Recipient{{UserID: "1"}, {UserID: "2"}}}
	b := a.Clone()
	b.Recipients[0], b.Recipients[1] = b.Recipients[1], b.Recipients[0]
	if fingerprint(a) != fingerprint(b) {
		t.Fatal("fingerprint depends on recipient order")
	}
	b.Body = "other"
	if fingerprint(a) == fingerprint(b) {
		t.Fatal("fingerprint ignores body")
	}
}

func TestGroupBatchByChannelThenRecipient(t *testing.T) {
	t.Parallel()
	mk := func(users ...string) *kit.Notification {
		n := &kit.Notification{Channels: []kit.Channel{kit.ChannelEmail, kit.ChannelInApp}}
		for _, u := range users {
			n.Recipients = append(n.Recipients, kit.Recipient{UserID: u})
		}
		return n
	}
	groups := groupBatch([]*kit.Notification{mk("a", "b"), mk("a")})
	// email/a, email/b, in_app/a, in_app/b
	if len(groups) != 4 {
		t.Fatalf("groups = %d", len(groups))
	}
	if g := groups[0]; g.ch != kit.ChannelEmail || g.r.UserID != "a" || len(g.items) != 2 {
		t.Fatalf("first group = %+v", g)
	}
}
