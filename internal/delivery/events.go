package delivery

import (
	"time"

	"notifycore/internal/eventbus"
	kit "notifycore/internal/transport"
)

const (
	EventQueued    = "delivery.queued"
	EventDeduped   = "delivery.deduped"
	EventDropped   = "delivery.dropped"
	EventSent      = "delivery.sent"
	EventFailed    = "delivery.failed"
	EventExpired   = "delivery.expired"
	EventRetrying  = "delivery.retrying"
	EventCancelled = "delivery.cancelled"
)

// Event is the Data of every delivery.* bus event.
// Keep it small; subscribers may log or serialize it.
type Event struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Lane     kit.Lane             `json:"lane"`
	Priority kit.Priority         `json:"priority"`
	Status   kit.Status           `json:"status"`
	Attempts int                  `json:"attempts"`
	Digest   bool                 `json:"digest,omitempty"`
	Results  []kit.DeliveryResult `json:"results,omitempty"`
	Key      string               `json:"key,omitempty"`
	Original string               `json:"original,omitempty"`
	At       time.Time            `json:"at"`
	Error    string               `json:"error,omitempty"`
}

func (e *Engine) publish(typ string, n *kit.Notification, fill func(ev *Event)) {
	if e.bus == nil {
		return
	}
	now := e.now()
	ev := Event{ID: n.ID, Type: n.Type, Lane: kit.LaneFor(n), Priority: n.Priority, Status: n.Status, Attempts: n.Attempts, At: now}
	if fill != nil {
		fill(&ev)
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
