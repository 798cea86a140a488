package nfc

import (
	"sync"
)

// MockCall is one recorded native invocation.
type MockCall struct {
	Method string
	Args   []any
}

// MockNative is a scriptable native module for tests. It records every
// dispatched call and emits events through its embedded Emitter.
//
// Example:
//
//	native := nfc.NewMockNative(nfc.PlatformAndroid)
//	native.SimulateSessions()
//	native.Returns("requestTechnology", "NfcA")
//	mgr, _ := nfc.NewManager(native, native)
type MockNative struct {
	*Emitter

	platform  Platform
	constants *Constants

	mu       sync.Mutex
	handlers map[string]NativeMethod
	calls    []MockCall

	// session state used by SimulateSessions
	dataOpen    bool
	generalOpen bool
}

// NewMockNative creates a MockNative reporting platform p.
func NewMockNative(p Platform) *MockNative {
	return &MockNative{
		Emitter:  NewEmitter(),
		platform: p,
		handlers: make(map[string]NativeMethod),
	}
}

// Platform implements PlatformProvider.
func (m *MockNative) Platform() Platform {
	return m.platform
}

// Constants implements ConstantsProvider.
func (m *MockNative) Constants() Constants {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.constants != nil {
		return *m.constants
	}
	return DefaultConstants()
}

// SetConstants overrides the published constants.
func (m *MockNative) SetConstants(c Constants) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constants = &c
}

// Method implements NativeModule. Only methods with a handler exist.
func (m *MockNative) Method(name string) (NativeMethod, bool) {
	m.mu.Lock()
	fn, ok := m.handlers[name]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	return func(args []any, done Callback) {
		m.mu.Lock()
		m.calls = append(m.calls, MockCall{Method: name, Args: args})
		m.mu.Unlock()
		fn(args, done)
	}, true
}

// Handle installs fn as the implementation of name.
func (m *MockNative) Handle(name string, fn NativeMethod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = fn
}

// Returns makes name complete immediately with results.
func (m *MockNative) Returns(name string, results ...any) {
	m.Handle(name, func(_ []any, done Callback) {
		done(nil, results...)
	})
}

// Fails makes name complete immediately with err.
func (m *MockNative) Fails(name string, err error) {
	m.Handle(name, func(_ []any, done Callback) {
		done(err)
	})
}

// Remove deletes the handler for name so the method no longer exists.
func (m *MockNative) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, name)
}

// Calls returns a copy of the recorded calls.
func (m *MockNative) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallNames returns the recorded method names in call order.
func (m *MockNative) CallNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.calls))
	for i, c := range m.calls {
		names[i] = c.Method
	}
	return names
}

// CallCount returns how many times name was dispatched.
func (m *MockNative) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == name {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (m *MockNative) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// SimulateSessions installs session handlers that track open sessions the
// way the platform's native layer does.
func (m *MockNative) SimulateSessions() {
	state := func(get func() bool) NativeMethod {
		return func(_ []any, done Callback) {
			m.mu.Lock()
			v := get()
			m.mu.Unlock()
			done(nil, v)
		}
	}
	set := func(apply func()) NativeMethod {
		return func(_ []any, done Callback) {
			m.mu.Lock()
			apply()
			m.mu.Unlock()
			done(nil)
		}
	}

	if m.platform == PlatformIOS {
		m.Handle("isSessionAvailable", state(func() bool { return m.dataOpen }))
		m.Handle("isSessionExAvailable", state(func() bool { return m.generalOpen }))
		m.Handle("registerTagEvent", set(func() { m.dataOpen = true }))
		m.Handle("unregisterTagEvent", set(func() { m.dataOpen = false }))
		m.Handle("registerTagEventEx", set(func() { m.generalOpen = true }))
		m.Handle("unregisterTagEventEx", set(func() { m.generalOpen = false }))
		return
	}

	m.Handle("hasTagEventRegistration", state(func() bool { return m.dataOpen }))
	m.Handle("registerTagEvent", set(func() { m.dataOpen = true }))
	m.Handle("unregisterTagEvent", set(func() { m.dataOpen = false }))
}

// SessionOpen reports the simulated session state: the data-exchange (or
// only) session and the general-purpose session.
func (m *MockNative) SessionOpen() (data, general bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataOpen, m.generalOpen
}
