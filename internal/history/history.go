// Package history keeps an append-only, date-bucketed record of notification
// outcomes. Buckets are UTC calendar days; cleanup drops whole buckets.
package history

import (
	"context"
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

const bucketLayout = "2006-01-02"

// Entry is one terminal outcome of a notification.
type Entry struct {
	ID             string               `json:"id"`
	NotificationID string               `json:"notification_id"`
	ScheduledID    string               `json:"scheduled_id,omitempty"`
	Type           string               `json:"type"`
	Subject        string               `json:"subject"`
	Priority       kit.Priority         `json:"priority"`
	Status         kit.Status           `json:"status"`
	Channels       []kit.Channel        `json:"channels"`
	Recipients     []string             `json:"recipients"`
	Results        []kit.DeliveryResult `json:"results,omitempty"`
	Digest         bool                 `json:"digest,omitempty"`
	At             time.Time            `json:"at"`
	Bucket         string               `json:"bucket"`
}

func (e Entry) hasRecipient(id string) bool {
	for _, r := range e.Recipients {
		if r == id {
			return true
		}
	}
	return false
}

// FromNotification summarizes n as an entry. ID, At and Bucket are filled
// on Append.
func FromNotification(n *kit.Notification, digest bool) Entry {
	e := Entry{
		NotificationID: n.ID,
		ScheduledID:    n.ScheduledID,
		Type:           n.Type,
		Subject:        n.Subject,
		Priority:       n.Priority,
		Status:         n.Status,
		Channels:       append([]kit.Channel(nil), n.Channels...),
		Results:        append([]kit.DeliveryResult(nil), n.Results...),
		Digest:         digest,
	}
	for _, r := range n.Recipients {
		e.Recipients = append(e.Recipients, r.Key())
	}
	return e
}

// Filter selects entries. Zero fields match everything; From is inclusive,
// To exclusive. Results are newest first.
type Filter struct {
	UserID string
	Type   string
	Status kit.Status
	From   time.Time
	To     time.Time
	Limit  int
}

func (f Filter) match(e Entry) bool {
	switch {
	case f.UserID != "" && !e.hasRecipient(f.UserID):
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case !f.From.IsZero() && e.At.Before(f.From):
		return false
	case !f.To.IsZero() && !e.At.Before(f.To):
		return false
	}
	return true
}

type History struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	idmu    sync.Mutex
	entropy io.Reader

	mu      sync.RWMutex
	buckets map[string][]Entry
	byNotif map[string][]string // notification id -> entry ids
}

func New(store storage.Store, log logx.Logger) *History {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &History{
		log:     log,
		store:   store,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
		buckets: map[string][]Entry{},
		byNotif: map[string][]string{},
	}
}

func (h *History) newID(at time.Time) string {
	h.idmu.Lock()
	defer h.idmu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), h.entropy).String()
}

// Append stores e. Storage failures are logged; the entry is kept in memory.
func (h *History) Append(ctx context.Context, e Entry) Entry {
	if e.At.IsZero() {
		e.At = h.now()
	}
	e.At = e.At.UTC()
	e.Bucket = e.At.Format(bucketLayout)
	if e.ID == "" {
		e.ID = h.newID(e.At)
	}
	h.insert(e)

	if h.store != nil {
		doc, err := storage.NewDocument(e.ID, e)
		if err == nil {
			if len(e.Recipients) > 0 {
				doc.UserID = e.Recipients[0]
			}
			doc.Kind = e.Type
			doc.Status = string(e.Status)
			doc.At = e.At
			err = h.store.Put(ctx, storage.History, doc)
		}
		if err != nil {
			h.log.Warn("persist history entry failed", logx.String("id", e.ID), logx.Err(err))
		}
	}
	return e
}

// Record appends the terminal outcome of n.
func (h *History) Record(ctx context.Context, n *kit.Notification, digest bool) Entry {
	return h.Append(ctx, FromNotification(n, digest))
}

func (h *History) insert(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.buckets[e.Bucket]
	// Keep buckets sorted by time; appends are almost always in order.
	i := len(b)
	for i > 0 && b[i-1].At.After(e.At) {
		i--
	}
	b = append(b, Entry{})
	copy(b[i+1:], b[i:])
	b[i] = e
	h.buckets[e.Bucket] = b
	if e.NotificationID != "" {
		h.byNotif[e.NotificationID] = append(h.byNotif[e.NotificationID], e.ID)
	}
}

// Query returns matching entries, newest first.
func (h *History) Query(f Filter) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.buckets))
	for k := range h.buckets {
		if !f.From.IsZero() && k < f.From.UTC().Format(bucketLayout) {
			continue
		}
		if !f.To.IsZero() && k > f.To.UTC().Format(bucketLayout) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	var out []Entry
	for _, k := range keys {
		b := h.buckets[k]
		for i := len(b) - 1; i >= 0; i-- {
			if !f.match(b[i]) {
				continue
			}
			out = append(out, b[i])
			if f.Limit > 0 && len(out) >= f.Limit {
				return out
			}
		}
	}
	return out
}

// ForNotification returns every entry recorded for a notification, oldest
// first.
func (h *History) ForNotification(id string) []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.byNotif[id]
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, x := range ids {
		want[x] = struct{}{}
	}
	var out []Entry
	for _, b := range h.buckets {
		for _, e := range b {
			if _, ok := want[e.ID]; ok {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Cleanup drops every bucket strictly older than the day of before and
// prunes the persisted entries. It returns the number of in-memory entries
// removed.
func (h *History) Cleanup(ctx context.Context, before time.Time) int {
	cut := before.UTC().Format(bucketLayout)
	removed := 0
	h.mu.Lock()
	for k, b := range h.buckets {
		if k >= cut {
			continue
		}
		for _, e := range b {
			h.dropIndexLocked(e)
		}
		removed += len(b)
		delete(h.buckets, k)
	}
	h.mu.Unlock()

	if h.store != nil {
		day, _ := time.Parse(bucketLayout, cut)
		if n, err := h.store.PruneBefore(ctx, storage.History, day); err != nil {
			h.log.Warn("prune history failed", logx.Err(err))
		} else if n > 0 {
			h.log.Debug("pruned history", logx.Int("count", n))
		}
	}
	return removed
}

func (h *History) dropIndexLocked(e Entry) {
	ids := h.byNotif[e.NotificationID]
	for i, x := range ids {
		if x == e.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(h.byNotif, e.NotificationID)
	} else {
		h.byNotif[e.NotificationID] = ids
	}
}

// Load warms memory with persisted entries at or after since.
func (h *History) Load(ctx context.Context, since time.Time) error {
	if h.store == nil {
		return nil
	}
	docs, err := h.store.List(ctx, storage.History, storage.Filter{From: since})
	if err != nil {
		return err
	}
	for _, d := range docs {
		var e Entry
		if err := d.Decode(&e); err != nil {
			h.log.Warn("skip unreadable history entry", logx.String("id", d.ID), logx.Err(err))
			continue
		}
		if e.Bucket == "" {
			e.Bucket = e.At.UTC().Format(bucketLayout)
		}
		h.insert(e)
	}
	return nil
}

// Len returns the number of entries held in memory.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, b := range h.buckets {
		n += len(b)
	}
	return n
}
