package nfc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Coordinator decides, for every technology request, whether a listening
// session has to be opened first, and undoes exactly what it opened when the
// request is cancelled.
//
// implicit is true iff the coordinator opened the current session itself for
// an outstanding request that has not been cancelled yet.
type Coordinator struct {
	bridge   *Bridge
	sessions sessionModel
	logger   *zap.Logger

	mu       sync.Mutex
	implicit bool
}

func newCoordinator(bridge *Bridge, sessions sessionModel, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		bridge:   bridge,
		sessions: sessions,
		logger:   logger,
	}
}

// ImplicitRegistration reports whether the coordinator owns the open session.
func (c *Coordinator) ImplicitRegistration() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.implicit
}

// RequestTechnology makes sure a suitable session is listening, then claims
// one of techs from the native layer.
//
// A failed claim is returned unchanged and no session is closed; callers are
// expected to call CancelTechnologyRequest either way.
func (c *Coordinator) RequestTechnology(ctx context.Context, techs []Tech, opts RegisterOptions) (Tech, error) {
	kind := sessionKindFor(techs)
	available, err := c.sessions.available(ctx, kind)
	if err != nil {
		return "", err
	}

	if !available {
		// the open runs to native completion so the flag always matches the
		// native state, even when ctx expires meanwhile
		if err := c.sessions.open(context.WithoutCancel(ctx), kind, opts); err != nil {
			return "", err
		}
		c.mu.Lock()
		c.implicit = true
		c.mu.Unlock()
		c.logger.Debug("opened implicit session", zap.Stringer("kind", kind))
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	names := make([]string, len(techs))
	for i, t := range techs {
		names[i] = string(t)
	}
	result, err := invokeAny(ctx, c.bridge, "requestTechnology", names)
	if err != nil {
		return "", err
	}

	switch granted := result.(type) {
	case nil:
		return "", nil
	case string:
		return Tech(granted), nil
	case Tech:
		return granted, nil
	default:
		return "", NewUnexpectedResultError("requestTechnology", "string", result, nil)
	}
}

// CancelTechnologyRequest releases the native technology claim and, if the
// coordinator opened the session, closes it. Cleanup runs even when the native
// cancel fails; both errors are reported.
// Native calls run to completion regardless of ctx.
func (c *Coordinator) CancelTechnologyRequest(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	cancelErr := invokeNone(ctx, c.bridge, "cancelTechnologyRequest")
	if cancelErr != nil {
		c.logger.Debug("native cancel failed", zap.Error(cancelErr))
	}

	c.mu.Lock()
	owned := c.implicit
	c.implicit = false
	c.mu.Unlock()

	if !owned {
		return cancelErr
	}

	releaseErr := c.sessions.release(ctx)
	switch {
	case releaseErr == nil:
		return cancelErr
	case cancelErr == nil:
		c.logger.Warn("failed to close implicit session", zap.Error(releaseErr))
		return releaseErr
	default:
		c.logger.Warn("failed to close implicit session", zap.Error(releaseErr))
		return errors.Join(cancelErr, releaseErr)
	}
}
