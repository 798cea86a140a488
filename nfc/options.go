package nfc

import (
	"encoding/json"
	"fmt"
)

// DefaultAlertMessage is shown by iOS while a session is listening.
const DefaultAlertMessage = "Please tap NFC tags"

// RegisterOptions configures a listening session.
//
// Partial options always merge over DefaultRegisterOptions: use the functional
// RegisterOption helpers, or DecodeRegisterOptions for a partial JSON object.
type RegisterOptions struct {
	AlertMessage             string         `json:"alertMessage"`
	InvalidateAfterFirstRead bool           `json:"invalidateAfterFirstRead"`
	IsReaderModeEnabled      bool           `json:"isReaderModeEnabled"`
	ReaderModeFlags          ReaderModeFlag `json:"readerModeFlags"`
}

// DefaultRegisterOptions returns the documented defaults.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{
		AlertMessage:             DefaultAlertMessage,
		InvalidateAfterFirstRead: false,
		IsReaderModeEnabled:      false,
		ReaderModeFlags:          0,
	}
}

// RegisterOption overrides a single registration option.
type RegisterOption func(*RegisterOptions)

// WithAlertMessage sets the message shown to the user during a session.
func WithAlertMessage(msg string) RegisterOption {
	return func(o *RegisterOptions) { o.AlertMessage = msg }
}

// WithInvalidateAfterFirstRead closes the session after the first tag is read.
func WithInvalidateAfterFirstRead(v bool) RegisterOption {
	return func(o *RegisterOptions) { o.InvalidateAfterFirstRead = v }
}

// WithReaderMode enables Android reader mode with the given flags.
func WithReaderMode(flags ReaderModeFlag) RegisterOption {
	return func(o *RegisterOptions) {
		o.IsReaderModeEnabled = true
		o.ReaderModeFlags = flags
	}
}

// WithRegisterOptions replaces every option at once. Later options still apply on top.
func WithRegisterOptions(opts RegisterOptions) RegisterOption {
	return func(o *RegisterOptions) { *o = opts }
}

// ResolveRegisterOptions applies opts over the defaults.
func ResolveRegisterOptions(opts ...RegisterOption) RegisterOptions {
	resolved := DefaultRegisterOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

// DecodeRegisterOptions merges a partial JSON object over the defaults.
// Keys absent from data keep their default value.
func DecodeRegisterOptions(data []byte) (RegisterOptions, error) {
	opts := DefaultRegisterOptions()
	if len(data) == 0 || string(data) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return DefaultRegisterOptions(), fmt.Errorf("decode register options: %w", err)
	}
	return opts, nil
}

// NdefWriteOptions controls the deprecated requestNdefWrite call.
type NdefWriteOptions struct {
	Format         bool `json:"format"`
	FormatReadOnly bool `json:"formatReadOnly"`
}
