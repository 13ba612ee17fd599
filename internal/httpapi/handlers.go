package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"notifycore/internal/history"
	"notifycore/internal/ingest"
	"notifycore/internal/notifier"
	"notifycore/internal/preference"
	"notifycore/internal/subscription"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

const maxBody = 1 << 20

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, apiError{Status: "error", Code: kind, Message: msg})
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, notifier.ErrInvalid), errors.Is(err, preference.ErrInvalid),
		errors.Is(err, subscription.ErrInvalid), errors.Is(err, ingest.ErrMalformed):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, notifier.ErrNotFound), errors.Is(err, subscription.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ingest.ErrNoRoute):
		writeError(w, http.StatusUnprocessableEntity, "no_route", err.Error())
	case errors.Is(err, notifier.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
	default:
		s.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", notifier.ErrInvalid, err)
	}
	return nil
}

// healthz reports "degraded" once any background loop has failed, even if
// it was restarted since.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	comps := s.api.Health()
	status := "ok"
	for _, snap := range comps {
		if snap.FirstError != "" {
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status, "components": comps})
}

func (s *Server) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req notifier.SendRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.api.SendNotification(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) notificationStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.api.GetNotificationStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) cancelNotification(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.api.CancelNotification(chi.URLParam(r, "id"))})
}

func (s *Server) scheduleNotification(w http.ResponseWriter, r *http.Request) {
	var req notifier.ScheduleRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.api.ScheduleNotification(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	ok := s.api.CancelScheduledNotification(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", notifier.ErrInvalid, err))
		return
	}
	ev, err := ingest.Decode("", body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.api.HandleEvent(r.Context(), ev); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.api.GetDeliveryStatistics())
}

func (s *Server) getPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.GetUserPreferences(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) putPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	var p preference.UserPreferences
	if err := decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	if p.UserID != "" && p.UserID != userID {
		s.fail(w, r, fmt.Errorf("%w: user_id does not match path", notifier.ErrInvalid))
		return
	}
	p.UserID = userID
	if err := s.api.SetUserPreferences(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.api.GetUserPreferences(r.Context(), userID))
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.api.ListSubscriptions(chi.URLParam(r, "id")))
}

func (s *Server) addSubscription(w http.ResponseWriter, r *http.Request) {
	var sub kit.Subscription
	if err := decode(r, &sub); err != nil {
		s.fail(w, r, err)
		return
	}
	sub.UserID = chi.URLParam(r, "id")
	out, err := s.api.RegisterSubscription(r.Context(), sub)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) removeSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.api.RemoveSubscription(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) userHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := history.Filter{
		UserID: chi.URLParam(r, "id"),
		Type:   q.Get("type"),
		Status: kit.Status(q.Get("status")),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		s.fail(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		s.fail(w, r, err)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(w, r, fmt.Errorf("%w: limit %q", notifier.ErrInvalid, v))
			return
		}
		f.Limit = n
	}
	entries := s.api.History(r.Context(), f)
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseTime(v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q: %v", notifier.ErrInvalid, v, err)
	}
	return t, nil
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid", "user_id is required")
		return
	}
	s.sockets.ServeWS(w, r, userID)
}
