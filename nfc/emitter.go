package nfc

import "sync"

// Subscription is a handle to one native event listener.
type Subscription interface {
	Remove()
}

// EventEmitter is the native event source.
type EventEmitter interface {
	AddListener(event Event, handler func(payload any)) Subscription
}

// Emitter is an in-process EventEmitter for native modules to embed.
// Handlers run synchronously in the goroutine that calls Emit.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Event]map[uint64]func(payload any)
}

// NewEmitter creates an empty Emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Event]map[uint64]func(payload any))}
}

// AddListener implements EventEmitter.
func (e *Emitter) AddListener(event Event, handler func(payload any)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[Event]map[uint64]func(payload any))
	}
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[uint64]func(payload any))
	}
	e.nextID++
	id := e.nextID
	e.handlers[event][id] = handler

	return &emitterSubscription{emitter: e, event: event, id: id}
}

// Emit delivers payload to every handler subscribed to event.
func (e *Emitter) Emit(event Event, payload any) {
	e.mu.RLock()
	handlers := make([]func(payload any), 0, len(e.handlers[event]))
	for _, h := range e.handlers[event] {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// ListenerCount returns the number of handlers subscribed to event.
func (e *Emitter) ListenerCount(event Event) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

type emitterSubscription struct {
	emitter *Emitter
	event   Event
	id      uint64
	once    sync.Once
}

func (s *emitterSubscription) Remove() {
	s.once.Do(func() {
		s.emitter.mu.Lock()
		defer s.emitter.mu.Unlock()
		delete(s.emitter.handlers[s.event], s.id)
	})
}
