package nfc

import (
	"context"
	"sync"
)

// Future is the pending outcome of one native operation. It settles exactly once.
type Future struct {
	op     string
	done   chan struct{}
	once   sync.Once
	values []any
	err    error
}

func newFuture(op string) *Future {
	return &Future{op: op, done: make(chan struct{})}
}

// settle records the outcome. It returns false if the future had already settled.
func (f *Future) settle(err error, values []any) bool {
	settled := false
	f.once.Do(func() {
		f.err = err
		if err == nil {
			f.values = values
		}
		settled = true
		close(f.done)
	})
	return settled
}

// Op returns the native operation name.
func (f *Future) Op() string {
	return f.op
}

// Done returns a channel that is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the native layer has completed the operation.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx is done and returns the first result.
// A ctx expiry does not cancel the native operation.
func (f *Future) Await(ctx context.Context) (any, error) {
	values, err := f.AwaitAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// AwaitAll is like Await but returns every result the native layer reported.
func (f *Future) AwaitAll(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
		return f.values, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
