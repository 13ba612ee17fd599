package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"notifycore/internal/eventbus"
	"notifycore/internal/retry"
	rtsup "notifycore/internal/runtime/supervisor"
	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

var (
	ErrStopped    = errors.New("delivery engine stopped")
	ErrDuplicate  = errors.New("duplicate notification suppressed")
	ErrInvalid    = errors.New("invalid notification")
	ErrNoDispatch = errors.New("no dispatcher for channel")
	ErrNotTracked = errors.New("notification not tracked")
)

// TerminalFunc is called once a notification reaches a terminal state
// (sent, failed with no attempts left, expired, cancelled). digest is true
// when its last delivery went out inside a batch digest.
type TerminalFunc func(n *kit.Notification, digest bool)

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func OnTerminal(fn TerminalFunc) Option { return func(e *Engine) { e.onTerminal = fn } }

// Engine is the delivery pipeline: lanes, workers, retry set and dedup.
//
// It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	log        logx.Logger
	bus        eventbus.Bus
	store      storage.Store
	reg        *kit.Registry
	now        func() time.Time
	onTerminal TerminalFunc

	cfg    Config
	policy retry.Policy

	accepting bool
	sendWG    sync.WaitGroup
	queues    map[kit.Lane]*Queue
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping
	stopSweep chan struct{}
	loops     sync.WaitGroup

	pmu       sync.RWMutex
	persistCh chan persistJob

	rmu       sync.Mutex
	records   map[string]*kit.Notification
	retries   map[string]*kit.Notification
	cancelled map[string]struct{}

	dmu   sync.Mutex
	dedup map[string]storage.DedupEntry

	stats *counters
}

type persistJob struct {
	n     *kit.Notification
	key   string
	claim storage.DedupEntry
}

func New(cfg Config, reg *kit.Registry, log logx.Logger, bus eventbus.Bus, store storage.Store, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if reg == nil {
		reg = kit.NewRegistry()
	}
	e := &Engine{
		log:       log,
		bus:       bus,
		store:     store,
		reg:       reg,
		now:       time.Now,
		records:   map[string]*kit.Notification{},
		retries:   map[string]*kit.Notification{},
		cancelled: map[string]struct{}{},
		dedup:     map[string]storage.DedupEntry{},
		stats:     newCounters(),
	}
	for _, o := range opts {
		o(e)
	}
	e.applyLocked(cfg)
	return e
}

// Apply swaps retry and dedup knobs. Lane sizes and worker counts take
// effect on the next Start.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Engine) applyLocked(cfg Config) {
	e.cfg = cfg.withDefaults()
	e.policy = retry.Policy{Base: e.cfg.RetryBase, Max: e.cfg.RetryMax}
}

func (e *Engine) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Supervisor returns the engine's supervisor (nil if not started).
func (e *Engine) Supervisor() *rtsup.Supervisor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sup
}

func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		e.mu.Lock()
	}
	if e.queues != nil {
		e.mu.Unlock()
		return
	}
	cfg := e.cfg
	e.queues = map[kit.Lane]*Queue{}
	for _, l := range kit.Lanes {
		e.queues[l] = NewQueue(l, cfg.QueueSize)
	}
	e.accepting = true
	e.stopSweep = make(chan struct{})
	if e.store != nil && (cfg.PersistRecords || cfg.PersistDedup) {
		e.pmu.Lock()
		e.persistCh = make(chan persistJob, 1024)
		e.pmu.Unlock()
	}
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log.With(logx.String("comp", "delivery"))),
		rtsup.WithCancelOnError(false),
	)
	sup := e.sup
	queues := e.queues
	stopSweep := e.stopSweep
	e.mu.Unlock()

	e.pmu.RLock()
	pch := e.persistCh
	e.pmu.RUnlock()
	if pch != nil {
		sup.GoRestart("persist", func(c context.Context) error {
			e.persistLoop(c, pch)
			return c.Err()
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < cfg.PriorityWorkers; i++ {
		e.runLoop(sup, fmt.Sprintf("lane.priority.%d", i), func(c context.Context) error {
			return e.laneLoop(c, queues[kit.LanePriority])
		})
	}
	for i := 0; i < cfg.StandardWorkers; i++ {
		e.runLoop(sup, fmt.Sprintf("lane.standard.%d", i), func(c context.Context) error {
			return e.laneLoop(c, queues[kit.LaneStandard])
		})
	}
	e.runLoop(sup, "lane.batch", func(c context.Context) error {
		return e.batchLoop(c, queues[kit.LaneBatch])
	})
	e.runLoop(sup, "retry.sweep", func(c context.Context) error {
		return e.sweepLoop(c, stopSweep)
	})
}

// runLoop hosts a worker that ends cleanly once its queue is drained. The
// loops group is released exactly once per worker, on its final exit.
func (e *Engine) runLoop(sup *rtsup.Supervisor, name string, loop func(ctx context.Context) error) {
	e.loops.Add(1)
	sup.GoRestart(name, func(c context.Context) error {
		err := loop(c)
		switch {
		case c.Err() != nil:
			e.loops.Done()
			return c.Err()
		case err == nil || errors.Is(err, ErrQueueClosed):
			e.loops.Done()
			return nil
		}
		return fmt.Errorf("delivery loop exited unexpectedly: %w", err)
	}, rtsup.WithPublishFirstError(true))
}

// Stop stops intake and drains the lanes best-effort until ctx ends. Items
// still queued when ctx ends are abandoned.
func (e *Engine) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	queues := e.queues
	sup := e.sup
	stopSweep := e.stopSweep
	if queues == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	e.stopDone = done
	e.accepting = false
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.sendWG.Wait()
		for _, q := range queues {
			q.Close()
		}
		close(stopSweep)

		drained := make(chan struct{})
		go func() {
			e.loops.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-sup.Context().Done():
		}

		e.pmu.Lock()
		if e.persistCh != nil {
			close(e.persistCh)
			e.persistCh = nil
		}
		e.pmu.Unlock()
		_ = sup.Wait(context.Background())

		e.mu.Lock()
		e.queues = nil
		e.sup = nil
		e.stopSweep = nil
		e.stopDone = nil
		e.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

// Enqueue accepts a notification into its lane. The caller keeps ownership
// of n; the engine works on a copy. A duplicate inside the dedup window
// returns ErrDuplicate with the id of the notification it duplicates.
func (e *Engine) Enqueue(ctx context.Context, n *kit.Notification) (string, error) {
	if n == nil {
		return "", ErrInvalid
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	e.mu.Lock()
	if !e.accepting || e.queues == nil {
		e.mu.Unlock()
		return "", ErrStopped
	}
	cfg := e.cfg
	queues := e.queues
	e.sendWG.Add(1)
	e.mu.Unlock()
	defer e.sendWG.Done()

	n = n.Clone()
	e.prepare(n, cfg)
	if len(n.Channels) == 0 || len(n.Pairs()) == 0 {
		return n.ID, fmt.Errorf("%w: no channel/recipient pairs", ErrInvalid)
	}

	key := fingerprint(n)
	if cfg.DedupWindow > 0 && key != "" {
		if first, ok := e.dedupCheck(ctx, key, n.ID, cfg); !ok {
			e.stats.add(func(s *Statistics) { s.TotalDeduped++ })
			if first == "" {
				// Claim without an owner: the duplicate is its own cancelled record.
				n.Status = kit.StatusCancelled
				e.track(n)
				first = n.ID
			}
			e.publish(EventDeduped, n, func(ev *Event) { ev.Key = key; ev.Original = first })
			return first, ErrDuplicate
		}
	}

	e.track(n)
	e.persist(n)
	q := queues[n.Lane]
	if err := q.Push(n); err != nil {
		e.forget(n.ID)
		e.releaseDedup(key, n.ID)
		e.stats.add(func(s *Statistics) { s.TotalDropped++ })
		e.publish(EventDropped, n, func(ev *Event) { ev.Error = err.Error() })
		return n.ID, err
	}
	e.publish(EventQueued, n, func(ev *Event) { ev.Key = key })
	return n.ID, nil
}

func (e *Engine) prepare(n *kit.Notification, cfg Config) {
	now := e.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ID == "" {
		n.ID = kit.NewID(n.CreatedAt, n.Type, n.Subject, n.Body)
	}
	if n.Priority == 0 {
		n.Priority = kit.PriorityMedium
	}
	if n.MaxAttempts <= 0 {
		n.MaxAttempts = cfg.DefaultMaxAttempts
	}
	n.Attempts = 0
	n.Results = nil
	n.Status = kit.StatusPending
	n.Lane = kit.LaneFor(n)
}

// Cancel marks a queued or retry-pending notification as cancelled. An
// attempt already in flight completes; no further attempt is made.
func (e *Engine) Cancel(id string) bool {
	e.rmu.Lock()
	rec, ok := e.records[id]
	if !ok {
		e.rmu.Unlock()
		return false
	}
	switch rec.Status {
	case kit.StatusPending, kit.StatusRetrying, kit.StatusSending:
	case kit.StatusFailed:
		if _, waiting := e.retries[id]; !waiting {
			e.rmu.Unlock()
			return false
		}
	default:
		e.rmu.Unlock()
		return false
	}
	e.cancelled[id] = struct{}{}
	n, waiting := e.retries[id]
	if waiting {
		delete(e.retries, id)
	}
	e.rmu.Unlock()

	if waiting {
		e.cancel(n)
	}
	return true
}

// Record returns the latest tracked state of a notification.
func (e *Engine) Record(id string) (kit.Notification, bool) {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return kit.Notification{}, false
	}
	return *rec.Clone(), true
}

// Stored loads a persisted notification record.
func (e *Engine) Stored(ctx context.Context, id string) (kit.Notification, error) {
	if e.store == nil {
		return kit.Notification{}, ErrNotTracked
	}
	doc, err := e.store.Get(ctx, storage.Notifications, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return kit.Notification{}, ErrNotTracked
		}
		return kit.Notification{}, err
	}
	var n kit.Notification
	if err := doc.Decode(&n); err != nil {
		return kit.Notification{}, err
	}
	return n, nil
}

// NoteFiltered and NoteThrottled count recipients dropped before enqueue.
func (e *Engine) NoteFiltered(k int) {
	if k > 0 {
		e.stats.add(func(s *Statistics) { s.TotalFiltered += uint64(k) })
	}
}

func (e *Engine) NoteThrottled(k int) {
	if k > 0 {
		e.stats.add(func(s *Statistics) { s.TotalThrottled += uint64(k) })
	}
}

func (e *Engine) Stats() Statistics {
	s := e.stats.snapshot()
	s.QueueDepths = map[kit.Lane]int{}
	e.mu.Lock()
	for l, q := range e.queues {
		s.QueueDepths[l] = q.Len()
	}
	e.mu.Unlock()
	for _, l := range kit.Lanes {
		if _, ok := s.QueueDepths[l]; !ok {
			s.QueueDepths[l] = 0
		}
	}
	e.rmu.Lock()
	s.RetryPending = len(e.retries)
	e.rmu.Unlock()
	return s
}

func (e *Engine) laneLoop(ctx context.Context, q *Queue) error {
	for {
		n, err := q.Pop(ctx, time.Second)
		if err != nil {
			return err
		}
		if n == nil {
			continue
		}
		if e.triage(ctx, q, n) == triageDeliver {
			res := e.attempt(ctx, n, n.Pairs())
			e.settle(n, res, false)
		}
	}
}

type triageOutcome int

const (
	triageDeliver triageOutcome = iota
	triageHandled
)

// triage handles cancelled, not-yet-due and expired items.
func (e *Engine) triage(ctx context.Context, q *Queue, n *kit.Notification) triageOutcome {
	if e.isCancelled(n.ID) {
		e.cancel(n)
		return triageHandled
	}
	now := e.now()
	if !n.Due(now) {
		if err := q.Requeue(n); err != nil {
			e.log.Warn("scheduled notification abandoned at shutdown", logx.String("id", n.ID), logx.Time("scheduled_at", n.ScheduledAt))
			return triageHandled
		}
		sleepCtx(ctx, min(250*time.Millisecond, n.ScheduledAt.Sub(now)))
		return triageHandled
	}
	if n.Expired(now) {
		e.expire(n)
		return triageHandled
	}
	return triageDeliver
}

func (e *Engine) expire(n *kit.Notification) {
	n.Status = kit.StatusExpired
	e.track(n)
	e.persist(n)
	e.stats.add(func(s *Statistics) { s.TotalExpired++ })
	e.publish(EventExpired, n, nil)
	e.terminal(n, false)
}

// attempt dispatches pairs concurrently and returns their results in order.
func (e *Engine) attempt(ctx context.Context, n *kit.Notification, pairs []kit.Pair) []kit.DeliveryResult {
	n.Status = kit.StatusSending
	n.Attempts++
	n.LastAttemptAt = e.now()
	e.track(n)

	out := make([]kit.DeliveryResult, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config().Fanout)
	for i, p := range pairs {
		g.Go(func() error {
			out[i] = e.dispatch(gctx, n, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Engine) dispatch(ctx context.Context, n *kit.Notification, p kit.Pair) kit.DeliveryResult {
	d, ok := e.reg.Get(p.Channel)
	if !ok {
		return kit.Failed(p.Channel, p.Recipient.Key(), fmt.Errorf("%w: %s", ErrNoDispatch, p.Channel), e.now())
	}
	return kit.SafeDeliver(ctx, d, n, p.Recipient, e.now)
}

// settle folds one attempt's results into n and moves it to sent, the
// retry set, or terminal failure.
func (e *Engine) settle(n *kit.Notification, results []kit.DeliveryResult, digest bool) {
	n.Results = append(n.Results, results...)
	e.stats.results(results)

	ok := false
	for _, r := range results {
		if r.Success {
			ok = true
			break
		}
	}
	if ok {
		n.Status = kit.StatusSent
		e.track(n)
		e.persist(n)
		e.stats.add(func(s *Statistics) { s.TotalSent++ })
		e.publish(EventSent, n, func(ev *Event) { ev.Digest = digest; ev.Results = results })
		e.terminal(n, digest)
		return
	}

	n.Status = kit.StatusFailed
	msg := lastError(results)
	if n.Attempts < n.MaxAttempts && !e.isCancelled(n.ID) {
		e.rmu.Lock()
		e.retries[n.ID] = n
		e.records[n.ID] = n.Clone()
		e.rmu.Unlock()
		e.persist(n)
		e.publish(EventFailed, n, func(ev *Event) { ev.Error = msg; ev.Results = results })
		return
	}
	e.track(n)
	e.persist(n)
	e.stats.add(func(s *Statistics) { s.TotalFailed++ })
	e.publish(EventFailed, n, func(ev *Event) { ev.Error = msg; ev.Results = results })
	e.terminal(n, digest)
	e.log.Warn("notification failed", logx.String("id", n.ID), logx.Int("attempts", n.Attempts), logx.String("error", msg))
}

func (e *Engine) cancel(n *kit.Notification) {
	n.Status = kit.StatusCancelled
	e.track(n)
	e.persist(n)
	e.publish(EventCancelled, n, nil)
	e.terminal(n, false)
}

func (e *Engine) terminal(n *kit.Notification, digest bool) {
	if e.onTerminal != nil {
		e.onTerminal(n.Clone(), digest)
	}
}

// SweepRetries re-enqueues failed notifications whose backoff has elapsed.
func (e *Engine) SweepRetries() int {
	e.mu.Lock()
	queues := e.queues
	policy := e.policy
	e.mu.Unlock()
	if queues == nil {
		return 0
	}
	now := e.now()

	e.rmu.Lock()
	var due []*kit.Notification
	for id, n := range e.retries {
		if policy.ShouldRetry(n, now) {
			due = append(due, n)
			delete(e.retries, id)
		}
	}
	e.rmu.Unlock()

	k := 0
	for _, n := range due {
		n.Status = kit.StatusRetrying
		if err := queues[n.Lane].Requeue(n); err != nil {
			n.Status = kit.StatusFailed
			e.rmu.Lock()
			e.retries[n.ID] = n
			e.rmu.Unlock()
			continue
		}
		k++
		e.track(n)
		e.stats.add(func(s *Statistics) { s.TotalRetries++ })
		e.publish(EventRetrying, n, nil)
	}
	return k
}

func (e *Engine) sweepLoop(ctx context.Context, stop <-chan struct{}) error {
	t := time.NewTicker(e.config().RetrySweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-t.C:
			if k := e.SweepRetries(); k > 0 {
				e.log.Debug("retries re-enqueued", logx.Int("count", k))
			}
			e.pruneRecords()
		}
	}
}

// pruneRecords forgets terminal records older than the retention window.
// Persisted copies stay reachable through Stored.
func (e *Engine) pruneRecords() {
	cutoff := e.now().Add(-e.config().RecordRetention)
	e.rmu.Lock()
	defer e.rmu.Unlock()
	for id, n := range e.records {
		if _, waiting := e.retries[id]; waiting {
			continue
		}
		switch n.Status {
		case kit.StatusSent, kit.StatusFailed, kit.StatusExpired, kit.StatusCancelled:
		default:
			continue
		}
		at := n.LastAttemptAt
		if at.IsZero() {
			at = n.CreatedAt
		}
		if at.Before(cutoff) {
			delete(e.records, id)
			delete(e.cancelled, id)
		}
	}
}

func (e *Engine) track(n *kit.Notification) {
	cp := n.Clone()
	e.rmu.Lock()
	e.records[n.ID] = cp
	e.rmu.Unlock()
}

func (e *Engine) forget(id string) {
	e.rmu.Lock()
	delete(e.records, id)
	e.rmu.Unlock()
}

func (e *Engine) isCancelled(id string) bool {
	e.rmu.Lock()
	_, ok := e.cancelled[id]
	e.rmu.Unlock()
	return ok
}

func (e *Engine) persist(n *kit.Notification) {
	if !e.config().PersistRecords {
		return
	}
	e.send(persistJob{n: n.Clone()})
}

func (e *Engine) send(j persistJob) {
	e.pmu.RLock()
	defer e.pmu.RUnlock()
	if e.persistCh == nil {
		return
	}
	select {
	case e.persistCh <- j:
	default:
		e.log.Debug("persist queue full; record skipped")
	}
}

func (e *Engine) persistLoop(ctx context.Context, ch <-chan persistJob) {
	if e.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			var err error
			if j.n != nil {
				err = e.store.Put(cctx, storage.Notifications, recordDocument(j.n))
			} else {
				err = e.store.PutDedup(cctx, j.key, j.claim)
			}
			cancel()
			if err != nil {
				e.log.Warn("persist failed", logx.Err(err))
			}
		}
	}
}

func recordDocument(n *kit.Notification) storage.Document {
	doc, _ := storage.NewDocument(n.ID, n)
	if len(n.Recipients) > 0 {
		doc.UserID = n.Recipients[0].UserID
	}
	doc.Kind = n.Type
	doc.Status = string(n.Status)
	doc.At = n.CreatedAt
	return doc
}

func lastError(rs []kit.DeliveryResult) string {
	for i := len(rs) - 1; i >= 0; i-- {
		if !rs[i].Success && rs[i].Message != "" {
			return rs[i].Message
		}
	}
	return "no channel delivered"
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
