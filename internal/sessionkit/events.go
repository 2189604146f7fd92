package sessionkit

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind identifies a session lifecycle event.
type EventKind string

// EventCleared is published whenever the session is wiped.
const EventCleared EventKind = "cleared"

// Reason explains why a session was cleared.
type Reason string

// Clearing reasons.
const (
	ReasonManualLogout         Reason = "manual_logout"
	ReasonRefreshFailedServer  Reason = "refresh_failed_server"
	ReasonRefreshFailedNetwork Reason = "refresh_failed_network"
	ReasonNoRefreshCredential  Reason = "no_refresh_credential"
)

// SessionEvent is broadcast once per clearing and never replayed.
type SessionEvent struct {
	Kind       EventKind
	Reason     Reason
	OccurredAt time.Time
}

// EventHandler receives session events.
type EventHandler func(event SessionEvent)

// Subscription identifies a registered handler.
type Subscription struct {
	id uint64
}

// EventBus fans session events out to every current subscriber.
//
// Publish delivers synchronously on the publishing goroutine to the subscribers
// registered at that moment; subscribers added later never see the event.
type EventBus struct {
	mutex    sync.RWMutex
	nextID   uint64
	handlers map[uint64]EventHandler
	logger   *zap.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		handlers: make(map[uint64]EventHandler),
		logger:   logger,
	}
}

// Subscribe registers handler until Unsubscribe is called with the returned value.
func (bus *EventBus) Subscribe(handler EventHandler) Subscription {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextID++
	bus.handlers[bus.nextID] = handler
	return Subscription{id: bus.nextID}
}

// Unsubscribe removes a handler. Unknown subscriptions are ignored.
func (bus *EventBus) Unsubscribe(subscription Subscription) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	delete(bus.handlers, subscription.id)
}

// Publish notifies all current subscribers.
func (bus *EventBus) Publish(event SessionEvent) {
	bus.mutex.RLock()
	ids := make([]uint64, 0, len(bus.handlers))
	for id := range bus.handlers {
		ids = append(ids, id)
	}
	snapshot := make([]EventHandler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		snapshot = append(snapshot, bus.handlers[id])
	}
	bus.mutex.RUnlock()

	for _, handler := range snapshot {
		bus.deliver(handler, event)
	}
}

func (bus *EventBus) deliver(handler EventHandler, event SessionEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			bus.logger.Error("session event handler panicked",
				zap.String("code", "session.events.handler_panic"),
				zap.String("kind", string(event.Kind)),
				zap.Any("panic", recovered))
		}
	}()
	handler(event)
}

// ClearSession wipes store and publishes exactly one EventCleared with reason. The
// event is published even when persisting the wipe fails; that error is returned.
func ClearSession(ctx context.Context, store CredentialStore, bus *EventBus, reason Reason) error {
	clearErr := store.Clear(ctx)
	if bus != nil {
		bus.Publish(SessionEvent{
			Kind:       EventCleared,
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		})
	}
	return clearErr
}
