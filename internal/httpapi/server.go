// Package httpapi is the thin HTTP surface over the notifier: JSON
// endpoints, the in-app websocket upgrade, Prometheus metrics and an
// optional profiler.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notifycore/internal/delivery"
	"notifycore/internal/history"
	"notifycore/internal/ingest"
	"notifycore/internal/metrics"
	"notifycore/internal/notifier"
	"notifycore/internal/preference"
	rtsup "notifycore/internal/runtime/supervisor"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

// API is the part of the notifier the HTTP surface calls.
type API interface {
	SendNotification(ctx context.Context, req notifier.SendRequest) (string, error)
	CancelNotification(id string) bool
	ScheduleNotification(ctx context.Context, req notifier.ScheduleRequest) (string, error)
	CancelScheduledNotification(ctx context.Context, id string) bool
	GetNotificationStatus(ctx context.Context, id string) (notifier.StatusRecord, error)
	GetDeliveryStatistics() delivery.Statistics
	SetUserPreferences(ctx context.Context, p preference.UserPreferences) error
	GetUserPreferences(ctx context.Context, userID string) preference.UserPreferences
	RegisterSubscription(ctx context.Context, sub kit.Subscription) (kit.Subscription, error)
	RemoveSubscription(ctx context.Context, id string) error
	ListSubscriptions(userID string) []kit.Subscription
	History(ctx context.Context, f history.Filter) []history.Entry
	HandleEvent(ctx context.Context, ev ingest.Event) error
	Health() map[string]rtsup.Snapshot
}

// Sockets upgrades in-app websocket sessions.
type Sockets interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

type Config struct {
	Addr              string        // default ":8080"
	ReadHeaderTimeout time.Duration // default 5s
	ShutdownTimeout   time.Duration // default 10s
	Profiler          bool          // mount net/http/pprof under /debug
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

type Server struct {
	cfg     Config
	api     API
	sockets Sockets
	metrics *metrics.Metrics
	log     logx.Logger
	handler http.Handler
}

// New builds the router. sockets and m may be nil.
func New(cfg Config, api API, sockets Sockets, m *metrics.Metrics, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), api: api, sockets: sockets, metrics: m, log: log}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.cfg.Profiler {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/notifications", s.sendNotification)
		r.Get("/notifications/{id}", s.notificationStatus)
		r.Delete("/notifications/{id}", s.cancelNotification)
		r.Post("/scheduled", s.scheduleNotification)
		r.Delete("/scheduled/{id}", s.cancelScheduled)
		r.Post("/events", s.ingestEvent)
		r.Get("/stats", s.stats)

		r.Get("/users/{id}/preferences", s.getPreferences)
		r.Put("/users/{id}/preferences", s.putPreferences)
		r.Get("/users/{id}/subscriptions", s.listSubscriptions)
		r.Post("/users/{id}/subscriptions", s.addSubscription)
		r.Delete("/subscriptions/{id}", s.removeSubscription)
		r.Get("/users/{id}/history", s.userHistory)

		if s.sockets != nil {
			r.Get("/ws", s.websocket)
		}
	})
	return r
}

// observe logs each request and feeds the latency histogram, labelled by
// route pattern rather than raw path.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		d := time.Since(start)
		if s.metrics != nil {
			s.metrics.ObserveHTTP(route, r.Method, code, d)
		}
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("route", route),
			logx.Int("status", code),
			logx.Duration("took", d),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
	<-errCh
	return ctx.Err()
}
