package hostnfc

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// NFC Forum Type 2 tag layout: the capability container sits in page 3 and
// the TLV data area starts at page 4.
const (
	ccPage        = 3
	dataPage      = 4
	ccMagic       = 0xE1
	ccSizeUnit    = 8
	maxNdefLength = 0xFFFE
)

// TLV block types.
const (
	tlvNull       = 0x00
	tlvNDEF       = 0x03
	tlvTerminator = 0xFE
)

var (
	ErrNotNdefFormatted = errors.New("tag is not NDEF formatted")
	ErrNdefTooLarge     = errors.New("NDEF message does not fit on the tag")
)

// -------------------------------------
// Ndef
// -------------------------------------

// getNdefMessage reads the NDEF message TLV of the connected Type 2 tag.
func (m *Module) getNdefMessage(_ []any, done nfc.Callback) {
	m.run("getNdefMessage", done, func() (any, error) {
		t, err := m.ultralightTarget()
		if err != nil {
			return nil, err
		}
		cc, err := readCC(t)
		if err != nil {
			return nil, err
		}
		area, err := readArea(t, cc.size())
		if err != nil {
			return nil, err
		}

		tag := describe(t)
		tag.MaxSize = cc.size()
		tag.IsWritable = cc.writable()
		message, ok := findNDEF(area)
		if !ok || len(message) == 0 {
			return tag, nil
		}
		records, err := parseRecords(message)
		if err != nil {
			return nil, err
		}
		tag.NdefMessage = records
		return tag, nil
	})
}

// writeNdefMessage stores an encoded NDEF message on the connected Type 2 tag.
func (m *Module) writeNdefMessage(args []any, done nfc.Callback) {
	message, err := bytesArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	if _, err := parseRecords(message); err != nil {
		done(err)
		return
	}
	m.run("writeNdefMessage", done, func() (any, error) {
		t, err := m.ultralightTarget()
		if err != nil {
			return nil, err
		}
		cc, err := readCC(t)
		if err != nil {
			return nil, err
		}
		if !cc.writable() {
			return nil, fmt.Errorf("tag %s is read-only", t.UID())
		}
		block := encodeTLV(message)
		if len(block) > cc.size() {
			return nil, fmt.Errorf("%w: %d of %d bytes", ErrNdefTooLarge, len(block), cc.size())
		}
		return nil, writeArea(t, block)
	})
}

type capabilityContainer [4]byte

func readCC(t UltralightTarget) (capabilityContainer, error) {
	var cc capabilityContainer
	page, err := t.ReadPage(ccPage)
	if err != nil {
		return cc, fmt.Errorf("read capability container: %w", err)
	}
	copy(cc[:], page)
	if cc[0] != ccMagic {
		return cc, ErrNotNdefFormatted
	}
	return cc, nil
}

// size is the data area length in bytes.
func (cc capabilityContainer) size() int {
	return int(cc[2]) * ccSizeUnit
}

func (cc capabilityContainer) writable() bool {
	return cc[3]&0x0F == 0
}

// readArea reads the data area up to the terminator TLV or size bytes.
func readArea(t UltralightTarget, size int) ([]byte, error) {
	pageSize := nfc.DefaultConstants().MifareUltralightPageSize
	area := make([]byte, 0, size)
	for page := dataPage; len(area) < size; page++ {
		p, err := t.ReadPage(page)
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", page, err)
		}
		area = append(area, p[:min(len(p), pageSize)]...)
		if _, ok := findNDEF(area); ok {
			break
		}
	}
	return area, nil
}

// writeArea writes block from the first data page, padding the last page with zeros.
func writeArea(t UltralightTarget, block []byte) error {
	pageSize := nfc.DefaultConstants().MifareUltralightPageSize
	for off := 0; off < len(block); off += pageSize {
		page := make([]byte, pageSize)
		copy(page, block[off:])
		n := dataPage + off/pageSize
		if err := t.WritePage(n, page); err != nil {
			return fmt.Errorf("write page %d: %w", n, err)
		}
	}
	return nil
}

// tlvLength returns the value length and the offset of the value within the
// TLV starting at data[0]. ok is false when the header is truncated.
func tlvLength(data []byte) (length, valueStart int, ok bool) {
	if len(data) < 2 {
		return 0, 0, false
	}
	if data[1] == 0xFF {
		if len(data) < 4 {
			return 0, 0, false
		}
		return int(binary.BigEndian.Uint16(data[2:4])), 4, true
	}
	return int(data[1]), 2, true
}

// findNDEF returns the value of the first complete NDEF message TLV.
func findNDEF(data []byte) ([]byte, bool) {
	for off := 0; off < len(data); {
		switch data[off] {
		case tlvNull:
			off++
		case tlvTerminator:
			return nil, false
		default:
			length, start, ok := tlvLength(data[off:])
			if !ok || off+start+length > len(data) {
				return nil, false
			}
			if data[off] == tlvNDEF {
				return data[off+start : off+start+length], true
			}
			off += start + length
		}
	}
	return nil, false
}

// encodeTLV wraps an NDEF message in an NDEF TLV followed by a terminator.
func encodeTLV(message []byte) []byte {
	out := []byte{tlvNDEF}
	if len(message) < 0xFF {
		out = append(out, byte(len(message)))
	} else {
		out = append(out, 0xFF, byte(len(message)>>8), byte(len(message)))
	}
	out = append(out, message...)
	return append(out, tlvTerminator)
}

// parseRecords splits a raw NDEF message into its records.
func parseRecords(message []byte) ([]nfc.NdefRecord, error) {
	if len(message) == 0 {
		return nil, errors.New("empty NDEF message")
	}
	if len(message) > maxNdefLength {
		return nil, ErrNdefTooLarge
	}

	var records []nfc.NdefRecord
	for off := 0; off < len(message); {
		header := message[off]
		last := header&0x40 != 0
		short := header&0x10 != 0
		hasID := header&0x08 != 0
		pos := off + 1

		need := func(n int, field string) error {
			if pos+n > len(message) {
				return fmt.Errorf("invalid NDEF message: truncated %s at offset %d", field, pos)
			}
			return nil
		}

		if err := need(1, "type length"); err != nil {
			return nil, err
		}
		typeLen := int(message[pos])
		pos++

		var payloadLen int
		if short {
			if err := need(1, "payload length"); err != nil {
				return nil, err
			}
			payloadLen = int(message[pos])
			pos++
		} else {
			if err := need(4, "payload length"); err != nil {
				return nil, err
			}
			payloadLen = int(binary.BigEndian.Uint32(message[pos : pos+4]))
			pos += 4
		}

		var idLen int
		if hasID {
			if err := need(1, "id length"); err != nil {
				return nil, err
			}
			idLen = int(message[pos])
			pos++
		}

		if err := need(typeLen+idLen+payloadLen, "record body"); err != nil {
			return nil, err
		}
		rec := nfc.NdefRecord{TNF: header & 0x07}
		rec.Type = append(nfc.Bytes{}, message[pos:pos+typeLen]...)
		pos += typeLen
		if idLen > 0 {
			rec.ID = append(nfc.Bytes{}, message[pos:pos+idLen]...)
			pos += idLen
		}
		rec.Payload = append(nfc.Bytes{}, message[pos:pos+payloadLen]...)
		pos += payloadLen

		records = append(records, rec)
		off = pos
		if last {
			break
		}
	}
	return records, nil
}
