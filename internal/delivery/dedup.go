package delivery

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
)

// fingerprint hashes the content and the audience of a notification.
// Recipients are order-insensitive.
func fingerprint(n *kit.Notification) string {
	if len(n.Recipients) == 0 {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Type + "|" + n.Subject + "|" + n.Body + "|"))
	for _, ch := range n.Channels {
		_, _ = h.Write([]byte(string(ch) + ","))
	}
	keys := make([]string, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		keys = append(keys, r.Key())
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte("|" + k))
	}
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupCheck claims key for id unless an unexpired claim exists. On
// suppression it returns the id of the first claimant, which is empty for
// claims persisted without one.
func (e *Engine) dedupCheck(ctx context.Context, key, id string, cfg Config) (string, bool) {
	now := e.now()

	e.dmu.Lock()
	if prev, ok := e.dedup[key]; ok && now.Before(prev.Until) {
		e.dmu.Unlock()
		return prev.ID, false
	}
	e.dmu.Unlock()

	// Cross-restart check (best-effort).
	if cfg.PersistDedup && e.store != nil {
		if ctx == nil {
			ctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		prev, ok, err := e.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(prev.Until) {
			e.dmu.Lock()
			e.dedup[key] = prev
			e.dmu.Unlock()
			return prev.ID, false
		}
	}

	claim := storage.DedupEntry{ID: id, Until: now.Add(cfg.DedupWindow)}
	e.dmu.Lock()
	e.dedup[key] = claim
	for k, c := range e.dedup {
		if !now.Before(c.Until) {
			delete(e.dedup, k)
		}
	}
	for len(e.dedup) > cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, c := range e.dedup {
			if minKey == "" || c.Until.Before(minT) {
				minKey, minT = k, c.Until
			}
		}
		delete(e.dedup, minKey)
	}
	e.dmu.Unlock()

	if cfg.PersistDedup {
		e.send(persistJob{key: key, claim: claim})
	}
	return id, true
}

// releaseDedup drops id's claim on key so a retry of rejected content is
// not reported as a duplicate of it.
func (e *Engine) releaseDedup(key, id string) {
	if key == "" {
		return
	}
	e.dmu.Lock()
	if c, ok := e.dedup[key]; ok && c.ID == id {
		delete(e.dedup, key)
	}
	e.dmu.Unlock()
}
