package nfc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Manager is the application-facing NFC API. It hides the difference between
// the Android-style single-session and iOS-style dual-session native layers.
//
// Example:
//
//	mgr, _ := nfc.NewManager(native, native)
//	defer mgr.Close()
//	tech, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechNfcA})
//	defer mgr.CancelTechnologyRequest(ctx)
//	tag, _ := mgr.GetTag(ctx)
type Manager struct {
	bridge      *Bridge
	router      *EventRouter
	coordinator *Coordinator
	platform    Platform
	constants   Constants
	logger      *zap.Logger

	closeOnce sync.Once
}

type managerConfig struct {
	platform  Platform
	constants *Constants
	logger    *zap.Logger
}

// Option configures a Manager.
type Option func(*managerConfig)

// WithPlatform selects the session model explicitly.
func WithPlatform(p Platform) Option {
	return func(c *managerConfig) { c.platform = p }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *managerConfig) { c.logger = logger }
}

// WithConstants overrides the Mifare constants.
func WithConstants(constants Constants) Option {
	return func(c *managerConfig) { c.constants = &constants }
}

// NewManager creates a Manager over a native module and its event source.
//
// The platform comes from WithPlatform, then from the native module if it
// implements PlatformProvider, and defaults to Android.
func NewManager(native NativeModule, emitter EventEmitter, opts ...Option) (*Manager, error) {
	if native == nil {
		return nil, errors.New("native module cannot be nil")
	}
	if emitter == nil {
		return nil, errors.New("event emitter cannot be nil")
	}

	cfg := managerConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.platform == "" {
		if p, ok := native.(PlatformProvider); ok {
			cfg.platform = p.Platform()
		}
	}
	if cfg.platform == "" {
		cfg.platform = PlatformAndroid
	}

	constants := DefaultConstants()
	if cfg.constants != nil {
		constants = *cfg.constants
	} else if p, ok := native.(ConstantsProvider); ok {
		constants = p.Constants()
	}

	logger := cfg.logger.Named("nfc").With(zap.String("platform", string(cfg.platform)))
	bridge := NewBridge(native, logger.Named("bridge"))
	sessions, err := newSessionModel(cfg.platform, bridge, logger.Named("session"))
	if err != nil {
		return nil, err
	}

	m := &Manager{
		bridge:      bridge,
		router:      NewEventRouter(emitter, sessions.events(), logger.Named("events")),
		coordinator: newCoordinator(bridge, sessions, logger.Named("coordinator")),
		platform:    cfg.platform,
		constants:   constants,
		logger:      logger,
	}
	logger.Debug("manager created", zap.Int("mifareBlockSize", constants.MifareBlockSize))
	return m, nil
}

// Platform returns the session model in use.
func (m *Manager) Platform() Platform {
	return m.platform
}

// Constants returns the Mifare constants in effect.
func (m *Manager) Constants() Constants {
	return m.constants
}

// Bridge exposes the underlying bridge for operations the facade does not wrap.
func (m *Manager) Bridge() *Bridge {
	return m.bridge
}

// ImplicitRegistration reports whether the open session was opened by
// RequestTechnology rather than by the caller.
func (m *Manager) ImplicitRegistration() bool {
	return m.coordinator.ImplicitRegistration()
}

// Close removes the native event subscriptions and stops dispatch: later
// calls fail with ErrClosed. It does not touch sessions.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.bridge.Close()
		m.router.Close()
		m.logger.Debug("manager closed")
	})
	return nil
}

// SetEventListener registers the single listener for event, replacing any
// previous one. Passing nil clears it.
func (m *Manager) SetEventListener(event Event, listener Listener) error {
	return m.router.SetEventListener(event, listener)
}

// Start initialises the native layer.
func (m *Manager) Start(ctx context.Context) error {
	return invokeNone(ctx, m.bridge, "start")
}

// IsSupported reports whether the device supports NFC, or tech if non-empty.
func (m *Manager) IsSupported(ctx context.Context, tech Tech) (bool, error) {
	return invokeBool(ctx, m.bridge, "isSupported", string(tech))
}

// RegisterTagEvent explicitly opens a listening session. Options merge over
// DefaultRegisterOptions.
func (m *Manager) RegisterTagEvent(ctx context.Context, opts ...RegisterOption) error {
	return m.RegisterTagEventWithOptions(ctx, ResolveRegisterOptions(opts...))
}

// RegisterTagEventWithOptions opens a listening session with fully resolved options.
func (m *Manager) RegisterTagEventWithOptions(ctx context.Context, opts RegisterOptions) error {
	return invokeNone(ctx, m.bridge, "registerTagEvent", opts)
}

// UnregisterTagEvent closes an explicitly opened listening session.
func (m *Manager) UnregisterTagEvent(ctx context.Context) error {
	return invokeNone(ctx, m.bridge, "unregisterTagEvent")
}

// GetTag returns the tag currently connected, or nil.
func (m *Manager) GetTag(ctx context.Context) (*Tag, error) {
	v, err := invokeAny(ctx, m.bridge, "getTag")
	if err != nil {
		return nil, err
	}
	return DecodeTag(v)
}

// RequestTechnology claims one of techs, opening a session first if none of
// the right kind is listening. It returns the technology the native layer granted.
func (m *Manager) RequestTechnology(ctx context.Context, techs []Tech, opts ...RegisterOption) (Tech, error) {
	return m.coordinator.RequestTechnology(ctx, techs, ResolveRegisterOptions(opts...))
}

// CancelTechnologyRequest releases the technology claim and closes any session
// RequestTechnology opened on the caller's behalf.
func (m *Manager) CancelTechnologyRequest(ctx context.Context) error {
	return m.coordinator.CancelTechnologyRequest(ctx)
}
