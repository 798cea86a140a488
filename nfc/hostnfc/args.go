package hostnfc

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

func argAt(args []any, i int) (any, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("missing argument %d", i)
	}
	return args[i], nil
}

func intArg(args []any, i int) (int, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("argument %d: expected integer, got %T", i, v)
}

func stringArg(args []any, i int) (string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case nfc.Tech:
		return string(s), nil
	case nil:
		return "", nil
	}
	return "", fmt.Errorf("argument %d: expected string, got %T", i, v)
}

func bytesArg(args []any, i int) ([]byte, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	switch b := v.(type) {
	case []byte:
		return b, nil
	case nfc.Bytes:
		return b, nil
	case []any:
		out := make([]byte, len(b))
		for j, e := range b {
			n, ok := e.(float64)
			if !ok || n < 0 || n > 0xFF || n != math.Trunc(n) {
				return nil, fmt.Errorf("argument %d: element %d is not a byte", i, j)
			}
			out[j] = byte(n)
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument %d: expected bytes, got %T", i, v)
}

func techsArg(args []any, i int) ([]nfc.Tech, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case string:
		return []nfc.Tech{nfc.Tech(t)}, nil
	case []string:
		out := make([]nfc.Tech, len(t))
		for j, s := range t {
			out[j] = nfc.Tech(s)
		}
		return out, nil
	case []nfc.Tech:
		return t, nil
	case []any:
		out := make([]nfc.Tech, len(t))
		for j, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("argument %d: element %d is not a technology", i, j)
			}
			out[j] = nfc.Tech(s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument %d: expected technologies, got %T", i, v)
}

// optionsArg accepts resolved options or a partial object, which is merged over the defaults.
func optionsArg(args []any, i int) (nfc.RegisterOptions, error) {
	if i >= len(args) || args[i] == nil {
		return nfc.DefaultRegisterOptions(), nil
	}
	if opts, ok := args[i].(nfc.RegisterOptions); ok {
		return opts, nil
	}
	data, err := json.Marshal(args[i])
	if err != nil {
		return nfc.RegisterOptions{}, fmt.Errorf("argument %d: %w", i, err)
	}
	return nfc.DecodeRegisterOptions(data)
}
