package nfc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// Native results arrive either as Go values (in-process drivers) or as
// JSON-decoded values (remote drivers). The helpers below accept both.

func invokeNone(ctx context.Context, b *Bridge, op string, args ...any) error {
	_, err := b.Invoke(ctx, op, args...)
	return err
}

func invokeAny(ctx context.Context, b *Bridge, op string, args ...any) (any, error) {
	values, err := b.Invoke(ctx, op, args...)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

func invokeBool(ctx context.Context, b *Bridge, op string, args ...any) (bool, error) {
	v, err := invokeAny(ctx, b, op, args...)
	if err != nil {
		return false, err
	}
	return toBool(op, v)
}

func invokeInt(ctx context.Context, b *Bridge, op string, args ...any) (int, error) {
	v, err := invokeAny(ctx, b, op, args...)
	if err != nil {
		return 0, err
	}
	return toInt(op, v)
}

func invokeBytes(ctx context.Context, b *Bridge, op string, args ...any) ([]byte, error) {
	v, err := invokeAny(ctx, b, op, args...)
	if err != nil {
		return nil, err
	}
	return toBytes(op, v)
}

func toBool(op string, v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case nil:
		return false, nil
	default:
		return false, NewUnexpectedResultError(op, "bool", v, nil)
	}
}

func toInt(op string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, NewUnexpectedResultError(op, "int", v, nil)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, NewUnexpectedResultError(op, "int", v, err)
		}
		return int(i), nil
	default:
		return 0, NewUnexpectedResultError(op, "int", v, nil)
	}
}

func toByte(op string, v any) (byte, error) {
	n, err := toInt(op, v)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 0xFF {
		return 0, NewUnexpectedResultError(op, "byte", v, fmt.Errorf("value %d out of range", n))
	}
	return byte(n), nil
}

func toBytes(op string, v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case []int:
		out := make([]byte, len(b))
		for i, n := range b {
			c, err := toByte(op, n)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	case []any:
		out := make([]byte, len(b))
		for i, n := range b {
			c, err := toByte(op, n)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return nil, NewUnexpectedResultError(op, "[]byte", v, nil)
	}
}

// decodeInto converts a native result into out, which must be a pointer.
// Values of the exact type are assigned directly; anything else goes through JSON.
func decodeInto[T any](op string, v any, out *T) error {
	if typed, ok := v.(T); ok {
		*out = typed
		return nil
	}
	if typed, ok := v.(*T); ok && typed != nil {
		*out = *typed
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return NewUnexpectedResultError(op, fmt.Sprintf("%T", *out), v, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewUnexpectedResultError(op, fmt.Sprintf("%T", *out), v, err)
	}
	return nil
}
