package notifier

import (
	"context"
	"fmt"

	"notifycore/internal/ingest"
	logx "notifycore/pkg/logx"
)

func routeTemplate(topic string) string { return "route/" + topic }

// HandleEvent turns an ingested event into a notification using the route
// configured for its topic. Unrouted topics return ingest.ErrNoRoute.
func (s *Service) HandleEvent(ctx context.Context, ev ingest.Event) error {
	route, ok := s.config().Routes[ev.Topic]
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrNoRoute, ev.Topic)
	}
	data := make(map[string]any, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["topic"] = ev.Topic
	data["event_type"] = ev.Type

	out, err := s.rnd.Render(routeTemplate(ev.Topic), "", data)
	if err != nil {
		return fmt.Errorf("%w: render %s: %v", ingest.ErrMalformed, ev.Topic, err)
	}
	typ := route.Type
	if typ == "" {
		typ = ev.Type
	}
	if typ == "" {
		typ = ev.Topic
	}
	prio := route.Priority
	if ev.Priority != 0 {
		prio = ev.Priority
	}
	req := SendRequest{
		Type:       typ,
		Subject:    out.Subject,
		Body:       out.Body,
		HTML:       out.HTML,
		Priority:   prio,
		Channels:   route.Channels,
		Recipients: ev.UserIDs,
	}
	if err := validateSend(req); err != nil {
		return fmt.Errorf("%w: %v", ingest.ErrMalformed, err)
	}
	id, err := s.SendNotification(ctx, req)
	if err != nil {
		return err
	}
	s.log.Debug("ingested event", logx.String("topic", ev.Topic), logx.String("id", id))
	return nil
}
