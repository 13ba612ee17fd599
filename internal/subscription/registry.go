// Package subscription keeps the per-user push endpoints (web push
// subscriptions and mobile device tokens) used by the push dispatchers.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifycore/internal/storage"
	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrInvalid  = errors.New("invalid subscription")
)

type Registry struct {
	log   logx.Logger
	store storage.Store
	now   func() time.Time

	mu     sync.RWMutex
	byID   map[string]kit.Subscription
	byUser map[string][]string
}

func New(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:    log,
		store:  store,
		now:    time.Now,
		byID:   map[string]kit.Subscription{},
		byUser: map[string][]string{},
	}
}

// Load warms the registry from storage.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	docs, err := r.store.List(ctx, storage.Subscriptions, storage.Filter{})
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		var s kit.Subscription
		if err := d.Decode(&s); err != nil {
			r.log.Warn("skip unreadable subscription", logx.String("id", d.ID), logx.Err(err))
			continue
		}
		r.putLocked(s)
	}
	return nil
}

// Add registers an endpoint. Re-adding the same endpoint (or token) for a user
// reactivates the existing subscription instead of creating a duplicate.
func (r *Registry) Add(ctx context.Context, s kit.Subscription) (kit.Subscription, error) {
	if err := validate(s); err != nil {
		return kit.Subscription{}, err
	}
	r.mu.Lock()
	if prev, ok := r.findLocked(s.UserID, s.Channel, s.Endpoint, s.Token); ok {
		s.ID = prev.ID
		s.CreatedAt = prev.CreatedAt
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.now().UTC()
	}
	s.Active = true
	s.DeactivatedAt = time.Time{}
	r.putLocked(s)
	r.mu.Unlock()

	r.persist(ctx, s)
	return s, nil
}

// Remove deletes a subscription outright.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		r.byUser[s.UserID] = without(r.byUser[s.UserID], id)
		if len(r.byUser[s.UserID]) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, storage.Subscriptions, id); err != nil {
			r.log.Warn("subscription delete not persisted", logx.String("id", id), logx.Err(err))
		}
	}
	return nil
}

// Deactivate marks an endpoint dead (for example after a 410 from the push service).
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok && s.Active {
		s.Active = false
		s.DeactivatedAt = r.now().UTC()
		r.byID[id] = s
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	r.log.Info("subscription deactivated", logx.String("id", id), logx.String("user_id", s.UserID), logx.String("channel", string(s.Channel)))
	r.persist(ctx, s)
	return nil
}

// Active lists a user's live subscriptions for a channel.
func (r *Registry) Active(userID string, ch kit.Channel) []kit.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []kit.Subscription
	for _, id := range r.byUser[userID] {
		if s := r.byID[id]; s.Active && s.Channel == ch {
			out = append(out, s)
		}
	}
	return out
}

// List returns every subscription of a user, active or not.
func (r *Registry) List(userID string) []kit.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.Subscription, 0, len(r.byUser[userID]))
	for _, id := range r.byUser[userID] {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) putLocked(s kit.Subscription) {
	if _, ok := r.byID[s.ID]; !ok {
		r.byUser[s.UserID] = append(r.byUser[s.UserID], s.ID)
	}
	r.byID[s.ID] = s
}

func (r *Registry) findLocked(userID string, ch kit.Channel, endpoint, token string) (kit.Subscription, bool) {
	for _, id := range r.byUser[userID] {
		s := r.byID[id]
		if s.Channel != ch {
			continue
		}
		if (endpoint != "" && s.Endpoint == endpoint) || (token != "" && s.Token == token) {
			return s, true
		}
	}
	return kit.Subscription{}, false
}

func (r *Registry) persist(ctx context.Context, s kit.Subscription) {
	if r.store == nil {
		return
	}
	doc, err := storage.NewDocument(s.ID, s)
	if err == nil {
		doc.UserID = s.UserID
		doc.Kind = string(s.Channel)
		doc.At = s.CreatedAt
		if !s.Active {
			doc.Status = "inactive"
		} else {
			doc.Status = "active"
		}
		err = r.store.Put(ctx, storage.Subscriptions, doc)
	}
	if err != nil {
		r.log.Warn("subscription not persisted", logx.String("id", s.ID), logx.Err(err))
	}
}

func validate(s kit.Subscription) error {
	if strings.TrimSpace(s.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalid)
	}
	switch s.Channel {
	case kit.ChannelWebPush:
		if !strings.HasPrefix(s.Endpoint, "https://") {
			return fmt.Errorf("%w: web push endpoint must be https", ErrInvalid)
		}
		if s.Keys.P256dh == "" || s.Keys.Auth == "" {
			return fmt.Errorf("%w: web push keys are required", ErrInvalid)
		}
	case kit.ChannelMobilePush:
		if strings.TrimSpace(s.Token) == "" {
			return fmt.Errorf("%w: device token is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: channel %q has no subscriptions", ErrInvalid, s.Channel)
	}
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
