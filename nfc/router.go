package nfc

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives the payload of one native event.
type Listener func(payload any)

// EventRouter subscribes once to each native event channel and forwards every
// event to the single client listener registered for its kind, if any.
type EventRouter struct {
	mu            sync.RWMutex
	subscriptions map[Event]Subscription
	listeners     map[Event]Listener
	closed        bool
	logger        *zap.Logger
}

// NewEventRouter subscribes to events on emitter. The subscription set is fixed
// for the lifetime of the router.
func NewEventRouter(emitter EventEmitter, events []Event, logger *zap.Logger) *EventRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &EventRouter{
		subscriptions: make(map[Event]Subscription, len(events)),
		listeners:     make(map[Event]Listener),
		logger:        logger,
	}

	for _, event := range events {
		if _, exists := r.subscriptions[event]; exists {
			continue
		}
		event := event
		r.subscriptions[event] = emitter.AddListener(event, func(payload any) {
			r.dispatch(event, payload)
		})
	}

	return r
}

// SetEventListener registers listener for event, replacing any previous one.
// A nil listener clears the slot. Unknown kinds fail and leave the table unchanged.
// After Close it returns ErrClosed.
func (r *EventRouter) SetEventListener(event Event, listener Listener) error {
	if !IsKnownEvent(event) {
		return NewUnknownEventError(event)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if listener == nil {
		delete(r.listeners, event)
		return nil
	}
	r.listeners[event] = listener
	return nil
}

// HasListener reports whether a client listener is registered for event.
func (r *EventRouter) HasListener(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.listeners[event]
	return ok
}

// Subscribed reports whether the router listens to the native channel for event.
func (r *EventRouter) Subscribed(event Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscriptions[event]
	return ok
}

// Close removes the native subscriptions. Registered listeners stop firing.
func (r *EventRouter) Close() {
	r.mu.Lock()
	r.closed = true
	subs := r.subscriptions
	r.subscriptions = make(map[Event]Subscription)
	r.listeners = make(map[Event]Listener)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Remove()
	}
}

func (r *EventRouter) dispatch(event Event, payload any) {
	r.mu.RLock()
	listener := r.listeners[event]
	r.mu.RUnlock()

	if listener == nil {
		r.logger.Debug("dropping event without listener", zap.String("event", string(event)))
		return
	}
	listener(payload)
}
