// Package scheduler holds notifications scheduled for a future time,
// evaluates their conditions when due and hands rendered content to the
// delivery path. Recurring entries re-arm by a fixed pattern step.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"notifycore/internal/eventbus"
	"notifycore/internal/render"
	"notifycore/internal/retry"
	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

const (
	EventFired       = "scheduler.fired"
	EventSkipped     = "scheduler.skipped"
	EventRescheduled = "scheduler.rescheduled"
	EventFailed      = "scheduler.failed"
	EventCancelled   = "scheduler.cancelled"
)

// Event is the payload of scheduler bus events.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Status         Status    `json:"status"`
	Attempts       int       `json:"attempts"`
	NotificationID string    `json:"notification_id,omitempty"`
	Next           time.Time `json:"next,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// SendFunc hands a due entry and its rendered content to delivery and
// returns the id of the produced notification. An error counts as a failed
// attempt.
type SendFunc func(ctx context.Context, s Scheduled, out render.Output) (string, error)

type Config struct {
	Tick               time.Duration // default 10s
	DefaultMaxAttempts int           // default 3
	Timezone           string        // conditions are evaluated here; default UTC
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 10 * time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	return c
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithFlags(f FlagSource) Option { return func(s *Scheduler) { s.flags = f } }

type Scheduler struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	rnd   *render.Renderer
	send  SendFunc
	now   func() time.Time
	flags FlagSource

	cfg   Config
	conds *Conditions

	tickMu sync.Mutex
	mu     sync.RWMutex
	items  map[string]*Scheduled
}

func New(cfg Config, rnd *render.Renderer, send SendFunc, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Scheduler, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if rnd == nil {
		var err error
		if rnd, err = render.New(); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	s := &Scheduler{
		log:   log,
		bus:   bus,
		store: store,
		rnd:   rnd,
		send:  send,
		now:   time.Now,
		cfg:   cfg,
		items: map[string]*Scheduled{},
	}
	for _, o := range opts {
		o(s)
	}
	s.conds = NewConditions(s.flags, loc)
	return s, nil
}

// RegisterCondition adds a custom predicate usable as {kind: custom, name}.
func (s *Scheduler) RegisterCondition(name string, p Predicate) { s.conds.Register(name, p) }

// Add validates and stores sc. A zero ScheduledAt means now.
func (s *Scheduler) Add(ctx context.Context, sc Scheduled) (Scheduled, error) {
	if err := sc.validate(); err != nil {
		return Scheduled{}, err
	}
	if err := s.rnd.Check(sc.Template, sc.Subject); err != nil {
		return Scheduled{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	now := s.now()
	sc = sc.clone()
	if sc.ScheduledAt.IsZero() {
		sc.ScheduledAt = now
	}
	if sc.Priority == 0 {
		sc.Priority = kit.PriorityMedium
	}
	if sc.MaxAttempts <= 0 {
		sc.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	sc.Status = StatusPending
	sc.Attempts = 0
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.ID == "" {
		sc.ID = kit.NewID(now, sc.Type, sc.Subject, sc.Template)
	}

	s.mu.Lock()
	if _, dup := s.items[sc.ID]; dup {
		s.mu.Unlock()
		return Scheduled{}, fmt.Errorf("%w: id %q already scheduled", ErrInvalid, sc.ID)
	}
	s.items[sc.ID] = &sc
	s.mu.Unlock()

	s.persist(ctx, sc)
	s.log.Debug("scheduled", logx.String("id", sc.ID), logx.String("type", sc.Type), logx.Time("at", sc.ScheduledAt), logx.Bool("recurring", sc.Recurring))
	return sc.clone(), nil
}

// Cancel cancels a pending entry. It reports false for unknown or already
// finished entries.
func (s *Scheduler) Cancel(ctx context.Context, id string) bool {
	s.mu.Lock()
	sc, ok := s.items[id]
	if !ok || sc.Status != StatusPending {
		s.mu.Unlock()
		return false
	}
	sc.Status = StatusCancelled
	sc.UpdatedAt = s.now()
	cp := sc.clone()
	s.mu.Unlock()

	s.persist(ctx, cp)
	s.publish(EventCancelled, cp, "")
	return true
}

func (s *Scheduler) Get(id string) (Scheduled, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.items[id]
	if !ok {
		return Scheduled{}, false
	}
	return sc.clone(), true
}

// List returns entries with the given status (all when empty), soonest
// first.
func (s *Scheduler) List(status Status) []Scheduled {
	s.mu.RLock()
	out := make([]Scheduled, 0, len(s.items))
	for _, sc := range s.items {
		if status == "" || sc.Status == status {
			out = append(out, sc.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

// Pending returns the number of pending entries.
func (s *Scheduler) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sc := range s.items {
		if sc.Status == StatusPending {
			n++
		}
	}
	return n
}

// Tick processes every pending entry whose time has come and returns how
// many were handed to delivery. Concurrent calls are serialized.
func (s *Scheduler) Tick(ctx context.Context) int {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now()
	s.mu.RLock()
	var due []Scheduled
	for _, sc := range s.items {
		if sc.Status == StatusPending && !sc.ScheduledAt.After(now) {
			due = append(due, sc.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })

	fired := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			break
		}
		if s.fire(ctx, sc, now) {
			fired++
		}
	}
	return fired
}

func (s *Scheduler) fire(ctx context.Context, sc Scheduled, now time.Time) bool {
	ok, err := s.conds.Evaluate(ctx, sc.Conditions, now)
	if err != nil {
		s.log.Warn("condition evaluation failed", logx.String("id", sc.ID), logx.Err(err))
	}
	if !ok {
		s.skip(ctx, sc, now)
		return false
	}

	out, err := s.rnd.Render(sc.Template, sc.Subject, sc.Context)
	var nid string
	if err == nil {
		if s.send == nil {
			err = errors.New("no delivery hand-off configured")
		} else {
			nid, err = s.send(ctx, sc, out)
		}
	}
	if err != nil {
		s.failed(ctx, sc, now, err)
		return false
	}
	s.sent(ctx, sc, now, nid)
	return true
}

// skip handles an entry whose conditions did not hold: recurring entries
// move to their next occurrence, one-shot entries are cancelled.
func (s *Scheduler) skip(ctx context.Context, sc Scheduled, now time.Time) {
	s.update(ctx, sc.ID, func(cur *Scheduled) {
		if cur.Recurring {
			cur.ScheduledAt = cur.Pattern.Advance(cur.ScheduledAt)
			cur.Attempts = 0
		} else {
			cur.Status = StatusCancelled
		}
		cur.UpdatedAt = now
	}, EventSkipped, "")
}

func (s *Scheduler) sent(ctx context.Context, sc Scheduled, now time.Time, nid string) {
	s.update(ctx, sc.ID, func(cur *Scheduled) {
		cur.LastNotificationID = nid
		cur.LastError = ""
		cur.Runs++
		cur.UpdatedAt = now
		if cur.Recurring {
			cur.ScheduledAt = cur.Pattern.Advance(cur.ScheduledAt)
			cur.Attempts = 0
			return
		}
		cur.Status = StatusSent
	}, EventFired, "")
}

func (s *Scheduler) failed(ctx context.Context, sc Scheduled, now time.Time, cause error) {
	ev := EventRescheduled
	s.update(ctx, sc.ID, func(cur *Scheduled) {
		cur.Attempts++
		cur.LastError = cause.Error()
		cur.UpdatedAt = now
		if cur.Attempts < cur.MaxAttempts {
			cur.ScheduledAt = now.Add(retry.RescheduleDelay(cur.Attempts))
			return
		}
		cur.Status = StatusFailed
		ev = EventFailed
	}, "", cause.Error())
	s.log.Warn("scheduled hand-off failed", logx.String("id", sc.ID), logx.Int("attempts", sc.Attempts+1), logx.Err(cause))
	if cur, ok := s.Get(sc.ID); ok {
		s.publish(ev, cur, cause.Error())
	}
}

// update applies fn to the live entry unless it was cancelled meanwhile,
// persists it and publishes evType when set.
func (s *Scheduler) update(ctx context.Context, id string, fn func(*Scheduled), evType, errText string) {
	s.mu.Lock()
	cur, ok := s.items[id]
	if !ok || cur.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	fn(cur)
	cp := cur.clone()
	s.mu.Unlock()

	s.persist(ctx, cp)
	if evType != "" {
		s.publish(evType, cp, errText)
	}
}

func (s *Scheduler) publish(typ string, sc Scheduled, errText string) {
	if s.bus == nil {
		return
	}
	ev := Event{ID: sc.ID, Type: sc.Type, Status: sc.Status, Attempts: sc.Attempts, NotificationID: sc.LastNotificationID, Error: errText}
	if sc.Status == StatusPending {
		ev.Next = sc.ScheduledAt
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func (s *Scheduler) persist(ctx context.Context, sc Scheduled) {
	if s.store == nil {
		return
	}
	doc, err := storage.NewDocument(sc.ID, sc)
	if err == nil {
		doc.Kind = sc.Type
		doc.Status = string(sc.Status)
		doc.At = sc.ScheduledAt
		if len(sc.Recipients) == 1 {
			doc.UserID = sc.Recipients[0]
		}
		err = s.store.Put(ctx, storage.Scheduled, doc)
	}
	if err != nil {
		s.log.Warn("persist scheduled notification failed", logx.String("id", sc.ID), logx.Err(err))
	}
}

// Load restores pending entries from storage. Finished entries stay on disk
// only.
func (s *Scheduler) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	docs, err := s.store.List(ctx, storage.Scheduled, storage.Filter{Status: string(StatusPending)})
	if err != nil {
		return fmt.Errorf("load scheduled notifications: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		var sc Scheduled
		if err := d.Decode(&sc); err != nil {
			s.log.Warn("skip unreadable scheduled notification", logx.String("id", d.ID), logx.Err(err))
			continue
		}
		if sc.ID == "" {
			sc.ID = d.ID
		}
		s.items[sc.ID] = &sc
	}
	s.log.Info("scheduled notifications loaded", logx.Int("count", len(docs)))
	return nil
}

// Stored looks an entry up in memory, then in storage.
func (s *Scheduler) Stored(ctx context.Context, id string) (Scheduled, error) {
	if sc, ok := s.Get(id); ok {
		return sc, nil
	}
	if s.store == nil {
		return Scheduled{}, ErrNotFound
	}
	d, err := s.store.Get(ctx, storage.Scheduled, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Scheduled{}, ErrNotFound
		}
		return Scheduled{}, err
	}
	var sc Scheduled
	if err := d.Decode(&sc); err != nil {
		return Scheduled{}, err
	}
	return sc, nil
}

// Run ticks on a cron "@every" schedule until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + s.cfg.Tick.String()
	if _, err := c.AddFunc(spec, func() {
		if n := s.Tick(ctx); n > 0 {
			s.log.Debug("scheduler tick", logx.Int("fired", n))
		}
	}); err != nil {
		return fmt.Errorf("scheduler tick %q: %w", spec, err)
	}
	// Catch up on anything already due before the first interval elapses.
	s.Tick(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
