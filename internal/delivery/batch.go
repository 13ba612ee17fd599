package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kit "notifycore/internal/transport"
)

// DigestType is the type of consolidated batch deliveries.
const DigestType = "digest"

func (e *Engine) batchLoop(ctx context.Context, q *Queue) error {
	var buf []*kit.Notification
	last := e.now()
	for {
		cfg := e.config()
		wait := cfg.BatchTimeout - e.now().Sub(last)
		if wait <= 0 {
			if len(buf) > 0 {
				e.flush(ctx, buf)
				buf = nil
			}
			last = e.now()
			wait = cfg.BatchTimeout
		}

		n, err := q.Pop(ctx, wait)
		if err != nil {
			if len(buf) > 0 {
				e.flush(ctx, buf)
			}
			return err
		}
		if n == nil {
			continue
		}
		if e.triage(ctx, q, n) != triageDeliver {
			continue
		}
		buf = append(buf, n)
		if len(buf) >= cfg.BatchSize {
			e.flush(ctx, buf)
			buf = nil
			last = e.now()
		}
	}
}

type batchGroup struct {
	ch    kit.Channel
	r     kit.Recipient
	items []int
}

// flush dispatches a batch concurrently. Within a channel, a recipient with
// two or more items gets a single digest whose result is copied into each
// original. Items cancelled or expired while buffered are settled without
// dispatch.
func (e *Engine) flush(ctx context.Context, buf []*kit.Notification) {
	now := e.now()
	items := make([]*kit.Notification, 0, len(buf))
	for _, n := range buf {
		switch {
		case e.isCancelled(n.ID):
			e.cancel(n)
		case n.Expired(now):
			e.expire(n)
		default:
			items = append(items, n)
		}
	}
	if len(items) == 0 {
		return
	}
	for _, n := range items {
		n.Status = kit.StatusSending
		n.Attempts++
		n.LastAttemptAt = now
		e.track(n)
	}
	groups := groupBatch(items)

	var mu sync.Mutex
	results := make([][]kit.DeliveryResult, len(items))
	digested := make([]bool, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config().Fanout)
	for _, gr := range groups {
		g.Go(func() error {
			pair := kit.Pair{Channel: gr.ch, Recipient: gr.r}
			if len(gr.items) == 1 {
				i := gr.items[0]
				res := e.dispatch(gctx, items[i], pair)
				mu.Lock()
				results[i] = append(results[i], res)
				mu.Unlock()
				return nil
			}
			d := digestOf(gr, items, now)
			pair.Recipient = d.Recipients[0]
			res := e.dispatch(gctx, d, pair)
			mu.Lock()
			for _, i := range gr.items {
				results[i] = append(results[i], res)
				digested[i] = true
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i, n := range items {
		e.settle(n, results[i], digested[i])
	}
}

// groupBatch groups pairs by channel, then by recipient, keeping first-seen
// order.
func groupBatch(items []*kit.Notification) []*batchGroup {
	var order []*batchGroup
	idx := map[string]*batchGroup{}
	for i, n := range items {
		for _, p := range n.Pairs() {
			k := string(p.Channel) + "\x00" + p.Recipient.Key()
			gr, ok := idx[k]
			if !ok {
				gr = &batchGroup{ch: p.Channel, r: p.Recipient}
				idx[k] = gr
				order = append(order, gr)
			}
			gr.items = append(gr.items, i)
		}
	}
	return order
}

func digestOf(gr *batchGroup, items []*kit.Notification, now time.Time) *kit.Notification {
	var (
		body strings.Builder
		ids  = make([]string, 0, len(gr.items))
		prio = kit.PriorityLow
	)
	for _, i := range gr.items {
		n := items[i]
		title := n.Subject
		if title == "" {
			title = n.Type
		}
		fmt.Fprintf(&body, "- %s\n", title)
		ids = append(ids, n.ID)
		if n.Priority.Valid() && n.Priority < prio {
			prio = n.Priority
		}
	}
	r := gr.r
	r.Channels = nil
	subject := fmt.Sprintf("%d new notifications", len(gr.items))
	text := strings.TrimRight(body.String(), "\n")
	return &kit.Notification{
		ID:          kit.NewID(now, DigestType, subject, text),
		Type:        DigestType,
		Subject:     subject,
		Body:        text,
		Priority:    prio,
		Channels:    []kit.Channel{gr.ch},
		Recipients:  []kit.Recipient{r},
		Status:      kit.StatusSending,
		Lane:        kit.LaneBatch,
		Attempts:    1,
		MaxAttempts: 1,
		CreatedAt:   now,
		Data: map[string]string{
			"digest_count": strconv.Itoa(len(gr.items)),
			"digest_ids":   strings.Join(ids, ","),
		},
	}
}
