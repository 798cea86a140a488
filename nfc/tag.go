package nfc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tag describes a discovered tag as reported by the native layer.
type Tag struct {
	ID              string       `json:"id"`
	TechTypes       []string     `json:"techTypes,omitempty"`
	Type            string       `json:"type,omitempty"`
	MaxSize         int          `json:"maxSize,omitempty"`
	IsWritable      bool         `json:"isWritable,omitempty"`
	CanMakeReadOnly bool         `json:"canMakeReadOnly,omitempty"`
	NdefMessage     []NdefRecord `json:"ndefMessage,omitempty"`
}

// HasTech reports whether the tag advertises tech. Native layers may report
// either the short identifier or a fully qualified class name ending in it.
func (t *Tag) HasTech(tech Tech) bool {
	for _, name := range t.TechTypes {
		if name == string(tech) || strings.HasSuffix(name, "."+string(tech)) {
			return true
		}
	}
	return false
}

// NdefRecord is one raw NDEF record.
type NdefRecord struct {
	TNF     byte  `json:"tnf"`
	Type    Bytes `json:"type"`
	ID      Bytes `json:"id"`
	Payload Bytes `json:"payload"`
}

// DecodeTag converts a DiscoverTag payload or getTag result into a Tag.
// A nil payload yields a nil Tag.
func DecodeTag(payload any) (*Tag, error) {
	if payload == nil {
		return nil, nil
	}
	var tag Tag
	if err := decodeInto("getTag", payload, &tag); err != nil {
		return nil, err
	}
	return &tag, nil
}

// Bytes is a byte slice that travels as a JSON array of integers, the way
// native layers report it. It also accepts base64 strings on input.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return json.Marshal(ints)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var raw []byte
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = raw
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, n := range ints {
		if n < 0 || n > 0xFF {
			return fmt.Errorf("byte value %d out of range", n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// CommandAPDU is a structured ISO 7816-4 command for the iOS IsoDep API.
type CommandAPDU struct {
	CLA  byte  `json:"cla"`
	INS  byte  `json:"ins"`
	P1   byte  `json:"p1"`
	P2   byte  `json:"p2"`
	Data Bytes `json:"data"`
	Le   int   `json:"le"`
}

// APDUResponse is the reply to a command APDU.
type APDUResponse struct {
	Response []byte `json:"response"`
	SW1      byte   `json:"sw1"`
	SW2      byte   `json:"sw2"`
}

// IsSuccess reports whether the status word is 90 00.
func (r APDUResponse) IsSuccess() bool {
	return r.SW1 == 0x90 && r.SW2 == 0x00
}
