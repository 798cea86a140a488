package nfc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, p Platform) (*Manager, *MockNative) {
	t.Helper()
	native := NewMockNative(p)
	native.SimulateSessions()
	native.Returns("requestTechnology", "NfcA")
	native.Returns("cancelTechnologyRequest")
	mgr, err := NewManager(native, native)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr, native
}

func TestRequestTechnology_OpensImplicitSession(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		techs    []Tech
		openOp   string
		probeOp  string
	}{
		{"android raw tech", PlatformAndroid, []Tech{TechNfcA}, "registerTagEvent", "hasTagEventRegistration"},
		{"android ndef", PlatformAndroid, []Tech{TechNdef}, "registerTagEvent", "hasTagEventRegistration"},
		{"ios raw tech", PlatformIOS, []Tech{TechNfcA}, "registerTagEventEx", "isSessionExAvailable"},
		{"ios ndef", PlatformIOS, []Tech{TechNdef}, "registerTagEvent", "isSessionAvailable"},
		{"ios mixed list needs data session", PlatformIOS, []Tech{TechMifareIOS, TechNdef}, "registerTagEvent", "isSessionAvailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, native := newTestManager(t, tt.platform)
			ctx := context.Background()

			assert.False(t, mgr.ImplicitRegistration())
			granted, err := mgr.RequestTechnology(ctx, tt.techs)
			require.NoError(t, err)
			assert.Equal(t, TechNfcA, granted)
			assert.True(t, mgr.ImplicitRegistration())

			assert.Equal(t, []string{tt.probeOp, tt.openOp, "requestTechnology"}, native.CallNames())

			calls := native.Calls()
			assert.Equal(t, []any{DefaultRegisterOptions()}, calls[1].Args)
			names := make([]string, len(tt.techs))
			for i, tech := range tt.techs {
				names[i] = string(tech)
			}
			assert.Equal(t, []any{names}, calls[2].Args)
		})
	}
}

func TestRequestTechnology_MergesOptions(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)

	_, err := mgr.RequestTechnology(context.Background(), []Tech{TechNfcA}, WithAlertMessage("Hold still"))
	require.NoError(t, err)

	want := DefaultRegisterOptions()
	want.AlertMessage = "Hold still"
	calls := native.Calls()
	require.Equal(t, "registerTagEvent", calls[1].Method)
	assert.Equal(t, []any{want}, calls[1].Args)
}

func TestRequestTechnology_SessionAlreadyOpen(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		register string
		techs    []Tech
	}{
		{"android data-capable session, raw tech", PlatformAndroid, "registerTagEvent", []Tech{TechNfcA}},
		{"android session, ndef", PlatformAndroid, "registerTagEvent", []Tech{TechNdef}},
		{"ios general session, raw tech", PlatformIOS, "registerTagEventEx", []Tech{TechIsoDep}},
		{"ios data session, ndef", PlatformIOS, "registerTagEvent", []Tech{TechNdef}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, native := newTestManager(t, tt.platform)
			ctx := context.Background()

			require.NoError(t, invokeNone(ctx, mgr.bridge, tt.register, DefaultRegisterOptions()))
			native.ResetCalls()

			_, err := mgr.RequestTechnology(ctx, tt.techs)
			require.NoError(t, err)
			assert.False(t, mgr.ImplicitRegistration())
			assert.Zero(t, native.CallCount(tt.register), "no session should be opened")
			assert.Equal(t, 1, native.CallCount("requestTechnology"))

			require.NoError(t, mgr.CancelTechnologyRequest(ctx))
			data, general := native.SessionOpen()
			assert.True(t, data || general, "caller's session must stay open")
		})
	}
}

func TestRequestTechnology_EmptyListIsForwarded(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	native.Fails("requestTechnology", NewInvalidArgumentError("requestTechnology", "at least one technology is required"))
	ctx := context.Background()

	_, err := mgr.RequestTechnology(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsInvalidArgumentError(err))

	calls := native.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "requestTechnology", calls[2].Method)
	assert.Equal(t, []any{[]string{}}, calls[2].Args)

	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	data, _ := native.SessionOpen()
	assert.False(t, data)
}

// delayed makes the current handler for name complete after d, off the caller's goroutine.
func delayed(native *MockNative, name string, d time.Duration) {
	native.mu.Lock()
	fn := native.handlers[name]
	native.mu.Unlock()
	native.Handle(name, func(args []any, done Callback) {
		go func() {
			time.Sleep(d)
			fn(args, done)
		}()
	})
}

func TestRequestTechnology_ContextExpiresDuringOpen(t *testing.T) {
	mgr, native := newTestManager(t, PlatformIOS)
	delayed(native, "registerTagEventEx", 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, general := native.SessionOpen()
	assert.True(t, general, "open completes natively")
	assert.True(t, mgr.ImplicitRegistration(), "completed open is owned")
	assert.Zero(t, native.CallCount("requestTechnology"))

	// the caller cancels on the same expired context
	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	_, general = native.SessionOpen()
	assert.False(t, general)
	assert.False(t, mgr.ImplicitRegistration())
}

func TestCancelTechnologyRequest_ContextExpiresDuringRelease(t *testing.T) {
	tests := []struct {
		name     string
		platform Platform
		closeOp  string
	}{
		{"android", PlatformAndroid, "unregisterTagEvent"},
		{"ios", PlatformIOS, "unregisterTagEventEx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, native := newTestManager(t, tt.platform)
			_, err := mgr.RequestTechnology(context.Background(), []Tech{TechNfcA})
			require.NoError(t, err)
			delayed(native, tt.closeOp, 40*time.Millisecond)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
			defer cancel()
			require.NoError(t, mgr.CancelTechnologyRequest(ctx))

			data, general := native.SessionOpen()
			assert.False(t, data || general, "session must be closed when cancel returns")
			assert.False(t, mgr.ImplicitRegistration())
		})
	}
}

func TestRequestTechnology_OpenFailureLeavesFlagFalse(t *testing.T) {
	mgr, native := newTestManager(t, PlatformIOS)
	openErr := errors.New("NFC is not available")
	native.Fails("registerTagEventEx", openErr)

	_, err := mgr.RequestTechnology(context.Background(), []Tech{TechNfcA})
	assert.Same(t, openErr, err)
	assert.False(t, mgr.ImplicitRegistration())
	assert.Zero(t, native.CallCount("requestTechnology"))
}

func TestRequestTechnology_ClaimFailurePropagatesWithoutCleanup(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	claimErr := errors.New("no tech request available")
	native.Fails("requestTechnology", claimErr)

	_, err := mgr.RequestTechnology(context.Background(), []Tech{TechNfcA})
	assert.Same(t, claimErr, err)
	assert.True(t, mgr.ImplicitRegistration(), "session stays owned until cancel")
	assert.Zero(t, native.CallCount("unregisterTagEvent"))

	require.NoError(t, mgr.CancelTechnologyRequest(context.Background()))
	assert.False(t, mgr.ImplicitRegistration())
	assert.Equal(t, 1, native.CallCount("unregisterTagEvent"))
}

func TestRequestTechnology_UnexpectedResult(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	native.Returns("requestTechnology", 12)

	_, err := mgr.RequestTechnology(context.Background(), []Tech{TechNfcA})
	assert.ErrorIs(t, err, ErrUnexpectedResult)
}

func TestCancelTechnologyRequest_RoundTrip(t *testing.T) {
	for _, p := range []Platform{PlatformAndroid, PlatformIOS} {
		for _, techs := range [][]Tech{{TechNfcA}, {TechNdef}} {
			t.Run(string(p)+"/"+string(techs[0]), func(t *testing.T) {
				mgr, native := newTestManager(t, p)
				ctx := context.Background()

				before := mgr.ImplicitRegistration()
				_, err := mgr.RequestTechnology(ctx, techs)
				require.NoError(t, err)
				require.NoError(t, mgr.CancelTechnologyRequest(ctx))

				assert.Equal(t, before, mgr.ImplicitRegistration())
				data, general := native.SessionOpen()
				assert.False(t, data)
				assert.False(t, general)
			})
		}
	}
}

func TestCancelTechnologyRequest_NoOutstandingRequest(t *testing.T) {
	mgr, native := newTestManager(t, PlatformIOS)

	require.NoError(t, mgr.CancelTechnologyRequest(context.Background()))
	assert.Equal(t, []string{"cancelTechnologyRequest"}, native.CallNames())
}

func TestCancelTechnologyRequest_IOSProbeOrder(t *testing.T) {
	tests := []struct {
		name  string
		techs []Tech
		want  []string
	}{
		{
			name:  "general session closed first",
			techs: []Tech{TechNfcA},
			want:  []string{"cancelTechnologyRequest", "isSessionExAvailable", "unregisterTagEventEx"},
		},
		{
			name:  "data session probed second",
			techs: []Tech{TechNdef},
			want:  []string{"cancelTechnologyRequest", "isSessionExAvailable", "isSessionAvailable", "unregisterTagEvent"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, native := newTestManager(t, PlatformIOS)
			ctx := context.Background()

			_, err := mgr.RequestTechnology(ctx, tt.techs)
			require.NoError(t, err)
			native.ResetCalls()

			require.NoError(t, mgr.CancelTechnologyRequest(ctx))
			assert.Equal(t, tt.want, native.CallNames())
		})
	}
}

func TestCancelTechnologyRequest_IOSSessionAlreadyClosed(t *testing.T) {
	mgr, native := newTestManager(t, PlatformIOS)
	ctx := context.Background()

	_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.NoError(t, err)

	// the user dismissed the system sheet
	require.NoError(t, invokeNone(ctx, mgr.bridge, "unregisterTagEventEx"))
	native.ResetCalls()

	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	assert.Equal(t, []string{"cancelTechnologyRequest", "isSessionExAvailable", "isSessionAvailable"}, native.CallNames())
	assert.False(t, mgr.ImplicitRegistration())
}

func TestCancelTechnologyRequest_NativeCancelFailureStillCleansUp(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	ctx := context.Background()
	cancelErr := errors.New("cancel failed")
	native.Fails("cancelTechnologyRequest", cancelErr)

	_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.NoError(t, err)

	err = mgr.CancelTechnologyRequest(ctx)
	assert.Same(t, cancelErr, err)
	assert.False(t, mgr.ImplicitRegistration())
	assert.Equal(t, 1, native.CallCount("unregisterTagEvent"))
}

func TestCancelTechnologyRequest_BothFail(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	ctx := context.Background()
	cancelErr := errors.New("cancel failed")
	releaseErr := errors.New("unregister failed")

	_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.NoError(t, err)
	native.Fails("cancelTechnologyRequest", cancelErr)
	native.Fails("unregisterTagEvent", releaseErr)

	err = mgr.CancelTechnologyRequest(ctx)
	assert.ErrorIs(t, err, cancelErr)
	assert.ErrorIs(t, err, releaseErr)
	assert.False(t, mgr.ImplicitRegistration(), "flag is cleared before release")

	// a second cancel does not retry the release
	native.Returns("cancelTechnologyRequest")
	native.ResetCalls()
	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	assert.Equal(t, []string{"cancelTechnologyRequest"}, native.CallNames())
}

func TestRequestTechnology_SecondRequestReusesImplicitSession(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	ctx := context.Background()

	_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.NoError(t, err)
	_, err = mgr.RequestTechnology(ctx, []Tech{TechNfcA})
	require.NoError(t, err)

	assert.Equal(t, 1, native.CallCount("registerTagEvent"))
	assert.True(t, mgr.ImplicitRegistration())
}

func TestCancelTechnologyRequest_UnblocksPendingRequest(t *testing.T) {
	mgr, native := newTestManager(t, PlatformAndroid)
	ctx := context.Background()

	var mu sync.Mutex
	var pending Callback
	claimed := make(chan struct{})
	native.Handle("requestTechnology", func(_ []any, done Callback) {
		mu.Lock()
		pending = done
		mu.Unlock()
		close(claimed)
	})
	native.Handle("cancelTechnologyRequest", func(_ []any, done Callback) {
		mu.Lock()
		p := pending
		mu.Unlock()
		if p != nil {
			p(errors.New("cancelled"))
		}
		done(nil)
	})

	result := make(chan error, 1)
	go func() {
		_, err := mgr.RequestTechnology(ctx, []Tech{TechNfcA})
		result <- err
	}()

	select {
	case <-claimed:
	case <-time.After(time.Second):
		t.Fatal("request never reached the native layer")
	}

	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	select {
	case err := <-result:
		assert.EqualError(t, err, "cancelled")
	case <-time.After(time.Second):
		t.Fatal("pending request was not released")
	}
	assert.False(t, mgr.ImplicitRegistration())
	data, _ := native.SessionOpen()
	assert.False(t, data)
}
