package nfc

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// SessionKind distinguishes the two listening sessions a platform may offer.
type SessionKind int

const (
	// SessionGeneral is the general-purpose session used for raw technologies.
	SessionGeneral SessionKind = iota
	// SessionData is the data-exchange session required for Ndef.
	SessionData
)

func (k SessionKind) String() string {
	switch k {
	case SessionGeneral:
		return "general"
	case SessionData:
		return "data"
	default:
		return fmt.Sprintf("SessionKind(%d)", int(k))
	}
}

// sessionKindFor returns the session kind a technology list needs.
func sessionKindFor(techs []Tech) SessionKind {
	for _, t := range techs {
		if t == TechNdef {
			return SessionData
		}
	}
	return SessionGeneral
}

// sessionModel is the platform-specific view of listening sessions.
type sessionModel interface {
	platform() Platform
	events() []Event
	// available reports whether a session of kind is currently open.
	available(ctx context.Context, kind SessionKind) (bool, error)
	// open opens a session of kind.
	open(ctx context.Context, kind SessionKind, opts RegisterOptions) error
	// release closes the session the coordinator opened implicitly.
	release(ctx context.Context) error
}

func newSessionModel(p Platform, bridge *Bridge, logger *zap.Logger) (sessionModel, error) {
	switch p {
	case PlatformIOS:
		return &dualSessionModel{bridge: bridge, logger: logger}, nil
	case PlatformAndroid:
		return &singleSessionModel{bridge: bridge, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %q", p)
	}
}

// dualSessionModel has separate data-exchange and general-purpose sessions.
type dualSessionModel struct {
	bridge *Bridge
	logger *zap.Logger
}

func (m *dualSessionModel) platform() Platform { return PlatformIOS }

func (m *dualSessionModel) events() []Event {
	return []Event{EventDiscoverTag, EventSessionClosed}
}

func (m *dualSessionModel) available(ctx context.Context, kind SessionKind) (bool, error) {
	if kind == SessionData {
		return invokeBool(ctx, m.bridge, "isSessionAvailable")
	}
	return invokeBool(ctx, m.bridge, "isSessionExAvailable")
}

func (m *dualSessionModel) open(ctx context.Context, kind SessionKind, opts RegisterOptions) error {
	if kind == SessionData {
		return invokeNone(ctx, m.bridge, "registerTagEvent", opts)
	}
	return invokeNone(ctx, m.bridge, "registerTagEventEx", opts)
}

// release cannot know which kind was opened, so it probes general first, then
// data, and closes the first one found open.
func (m *dualSessionModel) release(ctx context.Context) error {
	open, err := invokeBool(ctx, m.bridge, "isSessionExAvailable")
	if err != nil {
		return err
	}
	if open {
		m.logger.Debug("closing implicit session", zap.Stringer("kind", SessionGeneral))
		return invokeNone(ctx, m.bridge, "unregisterTagEventEx")
	}

	open, err = invokeBool(ctx, m.bridge, "isSessionAvailable")
	if err != nil {
		return err
	}
	if open {
		m.logger.Debug("closing implicit session", zap.Stringer("kind", SessionData))
		return invokeNone(ctx, m.bridge, "unregisterTagEvent")
	}

	m.logger.Debug("implicit session already closed")
	return nil
}

// singleSessionModel has one tag-event registration for every technology.
type singleSessionModel struct {
	bridge *Bridge
	logger *zap.Logger
}

func (m *singleSessionModel) platform() Platform { return PlatformAndroid }

func (m *singleSessionModel) events() []Event {
	return []Event{EventDiscoverTag, EventStateChanged}
}

func (m *singleSessionModel) available(ctx context.Context, _ SessionKind) (bool, error) {
	return invokeBool(ctx, m.bridge, "hasTagEventRegistration")
}

func (m *singleSessionModel) open(ctx context.Context, _ SessionKind, opts RegisterOptions) error {
	return invokeNone(ctx, m.bridge, "registerTagEvent", opts)
}

func (m *singleSessionModel) release(ctx context.Context) error {
	m.logger.Debug("closing implicit session")
	return invokeNone(ctx, m.bridge, "unregisterTagEvent")
}
