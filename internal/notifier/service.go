package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifycore/internal/delivery"
	"notifycore/internal/eventbus"
	"notifycore/internal/history"
	"notifycore/internal/preference"
	"notifycore/internal/render"
	rtsup "notifycore/internal/runtime/supervisor"
	"notifycore/internal/scheduler"
	"notifycore/internal/storage"
	"notifycore/internal/subscription"
	"notifycore/internal/throttle"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

// Deps are the collaborators a Service is built from. Nil fields get
// in-memory defaults.
type Deps struct {
	Store         storage.Store
	Bus           eventbus.Bus
	Registry      *kit.Registry
	Preferences   *preference.Store
	Throttle      *throttle.Throttler
	Subscriptions *subscription.Registry
	History       *history.History
	Renderer      *render.Renderer
	Flags         scheduler.FlagSource
	Clock         func() time.Time
}

// Service is the notification facade.
//
// It is safe for concurrent use.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	now   func() time.Time

	engine *delivery.Engine
	sched  *scheduler.Scheduler
	prefs  *preference.Store
	thr    *throttle.Throttler
	subs   *subscription.Registry
	hist   *history.History
	rnd    *render.Renderer

	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Preferences == nil {
		deps.Preferences = preference.NewStore(deps.Store, log.With(logx.String("comp", "preferences")))
	}
	if deps.Throttle == nil {
		deps.Throttle = throttle.New(deps.Clock)
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = subscription.New(deps.Store, log.With(logx.String("comp", "subscriptions")))
	}
	if deps.History == nil {
		deps.History = history.New(deps.Store, log.With(logx.String("comp", "history")))
	}
	if deps.Renderer == nil {
		r, err := render.New()
		if err != nil {
			return nil, err
		}
		deps.Renderer = r
	}

	s := &Service{
		log:   log,
		bus:   deps.Bus,
		store: deps.Store,
		now:   deps.Clock,
		prefs: deps.Preferences,
		thr:   deps.Throttle,
		subs:  deps.Subscriptions,
		hist:  deps.History,
		rnd:   deps.Renderer,
	}
	if err := s.applyLocked(cfg); err != nil {
		return nil, err
	}

	s.engine = delivery.New(s.cfg.Delivery, deps.Registry, log.With(logx.String("comp", "delivery")), deps.Bus, deps.Store,
		delivery.WithClock(deps.Clock),
		delivery.OnTerminal(func(n *kit.Notification, digest bool) {
			s.hist.Record(context.Background(), n, digest)
		}),
	)

	sched, err := scheduler.New(s.cfg.Scheduler, deps.Renderer, s.sendScheduled, deps.Store,
		log.With(logx.String("comp", "scheduler")), deps.Bus,
		scheduler.WithClock(deps.Clock), scheduler.WithFlags(deps.Flags))
	if err != nil {
		return nil, err
	}
	s.sched = sched
	return s, nil
}

// Apply swaps the hot-reloadable parts of cfg: throttle limits and default
// rules, ingest routes and the engine's retry and dedup knobs.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	err := s.applyLocked(cfg)
	dcfg := s.cfg.Delivery
	s.mu.Unlock()
	if err == nil && s.engine != nil {
		s.engine.Apply(dcfg)
	}
	return err
}

func (s *Service) applyLocked(cfg Config) error {
	cfg = cfg.withDefaults()
	for _, ch := range cfg.DefaultChannels {
		if !ch.Valid() {
			return fmt.Errorf("%w: default channel %q", kit.ErrUnknownChannel, ch)
		}
	}
	for topic, r := range cfg.Routes {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("route %q: %w", topic, err)
		}
		if err := s.rnd.Register(render.Template{Name: routeTemplate(topic), Subject: r.Subject, Body: r.Body, HTML: r.HTML}); err != nil {
			return fmt.Errorf("route %q: %w", topic, err)
		}
	}
	s.cfg = cfg
	s.thr.SetLimits(cfg.Limits)
	return nil
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Engine exposes the delivery engine for health reporting.
func (s *Service) Engine() *delivery.Engine { return s.engine }

func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }

// Load warms preferences, subscriptions, pending scheduled notifications
// and the recent history window from storage.
func (s *Service) Load(ctx context.Context) error {
	if err := s.prefs.Load(ctx); err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if err := s.subs.Load(ctx); err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if err := s.sched.Load(ctx); err != nil {
		return err
	}
	cfg := s.config()
	retention := cfg.Cleanup.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if err := s.hist.Load(ctx, s.now().Add(-retention)); err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	return nil
}

// Start launches delivery and the background loops. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	s.engine.Start(ctx)

	sup.GoRestart("scheduler", s.sched.Run, rtsup.WithPublishFirstError(true))
	sup.GoRestart("history.cleanup", func(c context.Context) error {
		return s.hist.RunCleanup(c, cfg.Cleanup)
	}, rtsup.WithPublishFirstError(true))
	sup.Go0("preferences.flush", func(c context.Context) {
		s.every(c, cfg.FlushInterval, func() {
			if err := s.prefs.Flush(c); err != nil {
				s.log.Warn("flush preferences failed", logx.Int("dirty", s.prefs.Dirty()), logx.Err(err))
			}
		})
	})
	sup.Go0("throttle.sweep", func(c context.Context) {
		s.every(c, cfg.SweepInterval, func() {
			if n := s.thr.Sweep(); n > 0 {
				s.log.Debug("throttle windows swept", logx.Int("removed", n))
			}
		})
	})
	s.log.Info("notifier started")
}

func (s *Service) every(ctx context.Context, d time.Duration, fn func()) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// Stop stops the background loops, drains delivery until ctx ends and
// flushes dirty preferences.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	s.engine.Stop(ctx)
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("notifier loops stopped with error", logx.Err(err))
	}
	if err := s.prefs.Flush(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("final preference flush failed", logx.Err(err))
	}
	s.log.Info("notifier stopped")
}

// Supervisor returns the background supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Health snapshots the notifier's and the delivery engine's goroutines.
// Both are empty before Start and after Stop.
func (s *Service) Health() map[string]rtsup.Snapshot {
	return map[string]rtsup.Snapshot{
		"notifier": s.Supervisor().Snapshot(),
		"delivery": s.engine.Supervisor().Snapshot(),
	}
}

func validateSend(req SendRequest) error {
	if strings.TrimSpace(req.Type) == "" {
		return fmt.Errorf("%w: type is empty", ErrInvalid)
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Body) == "" {
		return fmt.Errorf("%w: subject and body are empty", ErrInvalid)
	}
	if req.Priority != 0 && !req.Priority.Valid() {
		return fmt.Errorf("%w: %v %d", ErrInvalid, kit.ErrInvalidPriority, req.Priority)
	}
	for _, ch := range req.Channels {
		if !ch.Valid() {
			return fmt.Errorf("%w: %v %q", ErrInvalid, kit.ErrUnknownChannel, ch)
		}
	}
	if req.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts is negative", ErrInvalid)
	}
	if !req.ExpiresAt.IsZero() && !req.ScheduledAt.IsZero() && !req.ExpiresAt.After(req.ScheduledAt) {
		return fmt.Errorf("%w: expires_at is not after scheduled_at", ErrInvalid)
	}
	return nil
}

// SendNotification filters the request's recipients and enqueues the
// notification. Filtered and throttled recipients are dropped and counted.
// When nobody remains the id is still returned and the notification is
// recorded as cancelled.
func (s *Service) SendNotification(ctx context.Context, req SendRequest) (string, error) {
	if err := validateSend(req); err != nil {
		return "", err
	}
	id, err := s.send(ctx, req, "")
	if errors.Is(err, ErrNoRecipients) {
		return id, nil
	}
	return id, err
}

// send is the shared path behind SendNotification, scheduled hand-offs and
// ingest. It returns ErrNoRecipients (with the id) when filtering removed
// every target.
func (s *Service) send(ctx context.Context, req SendRequest, scheduledID string) (string, error) {
	cfg := s.config()
	now := s.now()
	prio := req.Priority
	if prio == 0 {
		prio = kit.PriorityMedium
	}
	channels := dedupChannels(req.Channels)
	if len(channels) == 0 {
		channels = append([]kit.Channel(nil), cfg.DefaultChannels...)
	}
	users := req.Recipients
	if len(users) == 0 {
		for _, p := range s.prefs.List() {
			users = append(users, p.UserID)
		}
	}

	n := &kit.Notification{
		Type:        req.Type,
		Subject:     req.Subject,
		Body:        req.Body,
		HTML:        req.HTML,
		Data:        req.Data,
		Priority:    prio,
		Channels:    channels,
		Lane:        req.Lane,
		ScheduledID: scheduledID,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   now,
		ScheduledAt: req.ScheduledAt,
		ExpiresAt:   req.ExpiresAt,
	}
	n.ID = kit.NewID(now, n.Type, n.Subject, n.Body)

	var filtered, throttled int
	seen := make(map[string]struct{}, len(users))
	for _, uid := range users {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}

		p := s.prefs.Get(uid)
		if !preference.ShouldReceive(p, n.Type, prio) {
			filtered++
			continue
		}
		if !prio.Urgent() && preference.IsQuietHours(p, now) {
			filtered++
			continue
		}
		rule := preference.RuleFor(p, n.Type, cfg.DefaultRules)
		if !s.thr.CanSend(uid, n.Type, rule, prio) {
			throttled++
			continue
		}
		r, ok := preference.Recipient(p, channels)
		if !ok {
			filtered++
			continue
		}
		n.Recipients = append(n.Recipients, r)
	}
	s.engine.NoteFiltered(filtered)
	s.engine.NoteThrottled(throttled)

	if len(n.Recipients) == 0 {
		n.Status = kit.StatusCancelled
		s.hist.Record(ctx, n, false)
		s.log.Debug("notification had no eligible recipients",
			logx.String("id", n.ID), logx.String("type", n.Type),
			logx.Int("filtered", filtered), logx.Int("throttled", throttled))
		return n.ID, ErrNoRecipients
	}

	id, err := s.engine.Enqueue(ctx, n)
	switch {
	case errors.Is(err, delivery.ErrDuplicate):
		s.log.Debug("duplicate notification suppressed", logx.String("id", id))
		return id, nil
	case errors.Is(err, delivery.ErrStopped):
		return "", ErrStopped
	case err != nil:
		return id, err
	}
	for _, r := range n.Recipients {
		s.thr.RecordSent(r.UserID, n.Type)
	}
	return id, nil
}

func dedupChannels(in []kit.Channel) []kit.Channel {
	if len(in) == 0 {
		return nil
	}
	out := make([]kit.Channel, 0, len(in))
	seen := map[kit.Channel]struct{}{}
	for _, ch := range in {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// sendScheduled is the scheduler's hand-off. A hand-off that reaches nobody
// is refused so the scheduler retries it later.
func (s *Service) sendScheduled(ctx context.Context, sc scheduler.Scheduled, out render.Output) (string, error) {
	subject := out.Subject
	if subject == "" {
		subject = sc.Subject
	}
	req := SendRequest{
		Type:       sc.Type,
		Subject:    subject,
		Body:       out.Body,
		HTML:       out.HTML,
		Priority:   sc.Priority,
		Channels:   sc.Channels,
		Recipients: sc.Recipients,
		Data:       sc.Data,
	}
	if err := validateSend(req); err != nil {
		return "", err
	}
	return s.send(ctx, req, sc.ID)
}

// ScheduleNotification stores a scheduled notification and returns its id.
func (s *Service) ScheduleNotification(ctx context.Context, req ScheduleRequest) (string, error) {
	sc, err := s.sched.Add(ctx, scheduler.Scheduled{
		Type:        req.Type,
		Subject:     req.Subject,
		Template:    req.Template,
		Context:     req.Context,
		Priority:    req.Priority,
		Channels:    dedupChannels(req.Channels),
		Recipients:  req.Recipients,
		Data:        req.Data,
		ScheduledAt: req.ScheduledAt,
		Recurring:   req.Recurring,
		Pattern:     req.Pattern,
		Conditions:  req.Conditions,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrInvalid) {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return "", err
	}
	return sc.ID, nil
}

// CancelScheduledNotification reports whether a pending scheduled
// notification was cancelled.
func (s *Service) CancelScheduledNotification(ctx context.Context, id string) bool {
	return s.sched.Cancel(ctx, id)
}

// CancelNotification cancels a queued or retry-pending notification.
func (s *Service) CancelNotification(id string) bool {
	return s.engine.Cancel(id)
}

// GetNotificationStatus looks id up in live delivery records, the
// scheduler, persisted records and finally history.
func (s *Service) GetNotificationStatus(ctx context.Context, id string) (StatusRecord, error) {
	if n, ok := s.engine.Record(id); ok {
		return s.notificationRecord(n), nil
	}
	if sc, err := s.sched.Stored(ctx, id); err == nil {
		return StatusRecord{ID: id, Kind: "scheduled", Status: string(sc.Status), Scheduled: &sc}, nil
	} else if !errors.Is(err, scheduler.ErrNotFound) {
		return StatusRecord{}, err
	}
	if n, err := s.engine.Stored(ctx, id); err == nil {
		return s.notificationRecord(n), nil
	} else if !errors.Is(err, delivery.ErrNotTracked) {
		return StatusRecord{}, err
	}
	if entries := s.hist.ForNotification(id); len(entries) > 0 {
		last := entries[len(entries)-1]
		return StatusRecord{ID: id, Kind: "notification", Status: string(last.Status), History: entries}, nil
	}
	return StatusRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (s *Service) notificationRecord(n kit.Notification) StatusRecord {
	return StatusRecord{
		ID:           n.ID,
		Kind:         "notification",
		Status:       string(n.Status),
		Notification: &n,
		History:      s.hist.ForNotification(n.ID),
	}
}

func (s *Service) GetDeliveryStatistics() delivery.Statistics { return s.engine.Stats() }

func (s *Service) SetUserPreferences(ctx context.Context, p preference.UserPreferences) error {
	return s.prefs.Set(ctx, p)
}

// GetUserPreferences returns the stored record or the defaults for unknown
// users.
func (s *Service) GetUserPreferences(_ context.Context, userID string) preference.UserPreferences {
	return s.prefs.Get(userID)
}

func (s *Service) RegisterSubscription(ctx context.Context, sub kit.Subscription) (kit.Subscription, error) {
	return s.subs.Add(ctx, sub)
}

func (s *Service) RemoveSubscription(ctx context.Context, id string) error {
	return s.subs.Remove(ctx, id)
}

func (s *Service) ListSubscriptions(userID string) []kit.Subscription { return s.subs.List(userID) }

func (s *Service) History(_ context.Context, f history.Filter) []history.Entry {
	return s.hist.Query(f)
}
