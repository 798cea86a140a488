package nfc

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"

	"go.uber.org/zap"
)

// Callback reports the outcome of one native operation.
// The native layer is expected to call it exactly once.
type Callback func(err error, results ...any)

// NativeMethod is one operation exposed by the native layer. It receives the
// positional arguments and a completion callback, and may complete inline or later.
type NativeMethod func(args []any, done Callback)

// NativeModule is the native NFC driver the core forwards requests to.
type NativeModule interface {
	Method(name string) (NativeMethod, bool)
}

// Methods is a map-backed NativeModule.
type Methods map[string]NativeMethod

// Method implements NativeModule.
func (m Methods) Method(name string) (NativeMethod, bool) {
	fn, ok := m[name]
	return fn, ok && fn != nil
}

// PlatformProvider is optionally implemented by native modules that know their platform.
type PlatformProvider interface {
	Platform() Platform
}

// ConstantsProvider is optionally implemented by native modules that publish Mifare constants.
type ConstantsProvider interface {
	Constants() Constants
}

// Bridge turns callback-style native methods into futures.
type Bridge struct {
	native NativeModule
	logger *zap.Logger
	closed atomic.Bool
}

// NewBridge creates a Bridge over native.
func NewBridge(native NativeModule, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{native: native, logger: logger}
}

// Call validates the call shape and dispatches op to the native layer.
//
// An unknown op or a non-plain argument fails here, synchronously, and nothing
// is dispatched. Otherwise the returned future settles with whatever the
// native completion callback reports first. After Close every call fails with
// ErrClosed.
func (b *Bridge) Call(op string, args ...any) (*Future, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	method, ok := b.native.Method(op)
	if !ok {
		return nil, NewInvalidOperationError(op)
	}
	for i, arg := range args {
		if reason := checkPlain(reflect.ValueOf(arg), 0); reason != "" {
			return nil, NewInvalidArgumentsError(op, i, reason)
		}
	}

	params := make([]any, len(args))
	copy(params, args)

	future := newFuture(op)
	done := func(err error, results ...any) {
		if !future.settle(err, results) {
			b.logger.Warn("native callback invoked more than once", zap.String("op", op))
		}
	}

	b.dispatch(op, method, params, done)
	return future, nil
}

// Close stops further dispatch. Futures already in flight still settle.
func (b *Bridge) Close() {
	b.closed.Store(true)
}

// Invoke calls op and waits for its results.
func (b *Bridge) Invoke(ctx context.Context, op string, args ...any) ([]any, error) {
	future, err := b.Call(op, args...)
	if err != nil {
		return nil, err
	}
	return future.AwaitAll(ctx)
}

func (b *Bridge) dispatch(op string, method NativeMethod, params []any, done Callback) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("native method panicked", zap.String("op", op), zap.Any("panic", r))
			done(WrapError(ErrCodeNative, op, "native method panicked", fmt.Errorf("%v", r)))
		}
	}()
	b.logger.Debug("dispatch", zap.String("op", op), zap.Int("params", len(params)))
	method(params, done)
}

// maxArgDepth bounds the recursion through nested containers.
const maxArgDepth = 16

var futureType = reflect.TypeOf((*Future)(nil))

// checkPlain returns a non-empty reason when v is not a plain value.
func checkPlain(v reflect.Value, depth int) string {
	if !v.IsValid() {
		return ""
	}
	if depth > maxArgDepth {
		return "nested too deeply"
	}
	if v.Type() == futureType || v.Type() == futureType.Elem() {
		return "futures cannot be passed to the native layer"
	}

	switch v.Kind() {
	case reflect.Func:
		return "callables cannot be passed to the native layer"
	case reflect.Chan, reflect.UnsafePointer:
		return fmt.Sprintf("%s values cannot be passed to the native layer", v.Kind())
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return ""
		}
		return checkPlain(v.Elem(), depth+1)
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return ""
		}
		for i := 0; i < v.Len(); i++ {
			if reason := checkPlain(v.Index(i), depth+1); reason != "" {
				return reason
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if reason := checkPlain(iter.Value(), depth+1); reason != "" {
				return reason
			}
		}
	}
	return ""
}
