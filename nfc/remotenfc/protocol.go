// Package remotenfc exposes a smartphone companion app as an nfc native module.
//
// The phone connects to the agent over a websocket, registers with its
// platform and the native methods it implements, then answers invoke frames
// and pushes NFC events:
//
//	phone → agent  {"type":"register","payload":{"deviceName":"Pixel","platform":"android","methods":["isEnabled"]}}
//	agent → phone  {"type":"registered","payload":{"deviceID":"…","serverInfo":{"name":"…","version":"…"}}}
//	agent → phone  {"type":"invoke","id":"…","payload":{"method":"isEnabled","args":[]}}
//	phone → agent  {"type":"result","id":"…","payload":{"error":null,"results":[true]}}
//	phone → agent  {"type":"event","payload":{"event":"NfcManagerDiscoverTag","payload":{…}}}
package remotenfc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// Frame types.
const (
	FrameRegister   = "register"
	FrameRegistered = "registered"
	FrameInvoke     = "invoke"
	FrameResult     = "result"
	FrameEvent      = "event"
	FrameHeartbeat  = "heartbeat"
	FrameError      = "error"
)

// ProtocolVersion is announced to phones and over mDNS.
const ProtocolVersion = "1.0"

// ErrDeviceDisconnected settles calls that were in flight when the phone went away.
var ErrDeviceDisconnected = errors.New("remote device disconnected")

// Frame is the envelope of every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterRequest is the payload of the first frame a phone sends.
type RegisterRequest struct {
	DeviceName string         `json:"deviceName"`
	Platform   nfc.Platform   `json:"platform"`
	AppVersion string         `json:"appVersion,omitempty"`
	Methods    []string       `json:"methods"`
	Constants  *nfc.Constants `json:"constants,omitempty"`
}

// Validate checks the fields the agent depends on.
func (r RegisterRequest) Validate() error {
	if r.DeviceName == "" {
		return fmt.Errorf("deviceName is required")
	}
	if r.Platform != nfc.PlatformIOS && r.Platform != nfc.PlatformAndroid {
		return fmt.Errorf("platform must be %q or %q, got %q", nfc.PlatformIOS, nfc.PlatformAndroid, r.Platform)
	}
	return nil
}

// ServerInfo identifies the agent to the phone.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// RegisterResponse answers a successful registration.
type RegisterResponse struct {
	DeviceID   string     `json:"deviceID"`
	ServerInfo ServerInfo `json:"serverInfo"`
}

// InvokeRequest asks the phone to run a native method.
type InvokeRequest struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

// InvokeResult is the phone's answer to an invoke frame with the same id.
type InvokeResult struct {
	Error   *RemoteError      `json:"error"`
	Results []json.RawMessage `json:"results"`
}

// EventMessage carries a native event from the phone.
type EventMessage struct {
	Event   nfc.Event       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorMessage reports a protocol violation to the phone.
type ErrorMessage struct {
	Message string `json:"message"`
}

// RemoteError is a native failure reported by the phone. It is passed through
// the bridge unchanged.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewFrame builds a frame with a JSON-encoded payload.
func NewFrame(typ, id string, payload any) (Frame, error) {
	f := Frame{Type: typ, ID: id}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	f.Payload = data
	return f, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// encodeArgs makes byte slices travel as integer arrays, the way phones expect them.
func encodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if b, ok := a.([]byte); ok {
			out[i] = nfc.Bytes(b)
			continue
		}
		out[i] = a
	}
	return out
}

// decodeValues turns raw JSON values into plain Go values.
func decodeValues(raw []json.RawMessage) ([]any, error) {
	out := make([]any, len(raw))
	for i, r := range raw {
		if err := json.Unmarshal(r, &out[i]); err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
	}
	return out, nil
}
