package hostnfc

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ebfe/scard"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// PC/SC pseudo-APDUs understood by contactless readers (PC/SC part 3).
const (
	claPCSC         = 0xFF
	insGetData      = 0xCA
	insLoadKey      = 0x82
	insAuth         = 0x86
	insReadBinary   = 0xB0
	insUpdateBinary = 0xD6

	mifareKeyA = 0x60
	mifareKeyB = 0x61
)

// Card name bytes from the ATR historical bytes.
const (
	cardClassic1K   = 0x01
	cardClassic4K   = 0x02
	cardUltralight  = 0x03
	cardClassicMini = 0x04
	cardUltralightC = 0x05
)

// pcscRID precedes the standard and card name bytes in a contactless ATR.
var pcscRID = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

type pcscReader struct {
	ctx  *scard.Context
	name string

	mu     sync.Mutex
	card   *scard.Card
	target Target
}

// OpenPCSC opens the PC/SC reader called name. An empty name picks the first reader.
func OpenPCSC(name string) (Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("list PC/SC readers: %w", err)
	}
	if name == "" {
		if len(readers) == 0 {
			ctx.Release()
			return nil, fmt.Errorf("no PC/SC readers found")
		}
		name = readers[0]
	} else if !contains(readers, name) {
		ctx.Release()
		return nil, fmt.Errorf("PC/SC reader %q not found", name)
	}

	return &pcscReader{ctx: ctx, name: name}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *pcscReader) String() string {
	return r.name
}

func (r *pcscReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked()
	return r.ctx.Release()
}

func (r *pcscReader) disconnectLocked() {
	if r.card != nil {
		r.card.Disconnect(scard.LeaveCard)
		r.card = nil
		r.target = nil
	}
}

func (r *pcscReader) Targets() ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.card != nil {
		if _, err := r.getUIDLocked(); err == nil {
			return []Target{r.target}, nil
		}
		r.disconnectLocked()
	}

	present, err := r.cardPresent()
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}

	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if isCardRemoved(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("connect %s: %w", r.name, err)
	}
	r.card = card

	status, err := card.Status()
	if err != nil {
		r.disconnectLocked()
		return nil, fmt.Errorf("card status: %w", err)
	}
	uid, err := r.getUIDLocked()
	if err != nil {
		r.disconnectLocked()
		return nil, nil
	}

	base := &pcscTarget{reader: r, uid: uid}
	switch name := cardName(status.Atr); name {
	case cardClassic1K, cardClassic4K, cardClassicMini:
		base.kind, base.techs = "MIFARE Classic", []nfc.Tech{nfc.TechNfcA, nfc.TechMifareClassic}
		sectors := 16
		if name == cardClassic4K {
			sectors = 40
		} else if name == cardClassicMini {
			sectors = 5
		}
		r.target = &pcscClassic{pcscTarget: base, sectors: sectors}
	case cardUltralight, cardUltralightC:
		base.kind, base.techs = "MIFARE Ultralight", []nfc.Tech{nfc.TechNfcA, nfc.TechMifareUltralight, nfc.TechNdef}
		r.target = &pcscUltralight{pcscTarget: base}
	default:
		base.kind, base.techs = "ISO 14443-4", []nfc.Tech{nfc.TechNfcA, nfc.TechIsoDep}
		r.target = base
	}
	return []Target{r.target}, nil
}

func (r *pcscReader) cardPresent() (bool, error) {
	states := []scard.ReaderState{{Reader: r.name, CurrentState: scard.StateUnaware}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil {
		return false, fmt.Errorf("reader status: %w", err)
	}
	return states[0].EventState&scard.StatePresent != 0, nil
}

func (r *pcscReader) getUIDLocked() (string, error) {
	resp, err := r.transmitLocked([]byte{claPCSC, insGetData, 0x00, 0x00, 0x00})
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(resp)), nil
}

// transmitLocked sends a pseudo-APDU and strips the 90 00 status word.
func (r *pcscReader) transmitLocked(apdu []byte) ([]byte, error) {
	if r.card == nil {
		return nil, ErrNoTag
	}
	resp, err := r.card.Transmit(apdu)
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("short response % X", resp)
	}
	sw1, sw2 := resp[len(resp)-2], resp[len(resp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return nil, fmt.Errorf("command failed: SW=%02X%02X", sw1, sw2)
	}
	return resp[:len(resp)-2], nil
}

func (r *pcscReader) transmit(apdu []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmitLocked(apdu)
}

func isCardRemoved(err error) bool {
	return errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrResetCard) ||
		errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrUnpoweredCard)
}

// cardName extracts the PC/SC card name byte from an ATR, or 0 if absent.
func cardName(atr []byte) byte {
	i := bytes.Index(atr, pcscRID)
	if i < 0 || i+len(pcscRID)+2 >= len(atr) {
		return 0
	}
	// RID, standard byte, then a two byte card name
	return atr[i+len(pcscRID)+2]
}

type pcscTarget struct {
	reader *pcscReader
	uid    string
	kind   string
	techs  []nfc.Tech
}

func (t *pcscTarget) UID() string       { return t.uid }
func (t *pcscTarget) Type() string      { return t.kind }
func (t *pcscTarget) Techs() []nfc.Tech { return t.techs }

// Transceive sends data to the card unchanged and returns the full response,
// status word included.
func (t *pcscTarget) Transceive(data []byte) ([]byte, error) {
	t.reader.mu.Lock()
	defer t.reader.mu.Unlock()
	if t.reader.card == nil {
		return nil, ErrNoTag
	}
	return t.reader.card.Transmit(data)
}

type pcscClassic struct {
	*pcscTarget
	sectors int
}

func (t *pcscClassic) SectorCount() int { return t.sectors }

func (t *pcscClassic) Authenticate(sector int, key []byte, keyB bool) error {
	if len(key) != nfc.MifareKeySize {
		return fmt.Errorf("key must be %d bytes, got %d", nfc.MifareKeySize, len(key))
	}
	load := append([]byte{claPCSC, insLoadKey, 0x00, 0x00, byte(len(key))}, key...)
	if _, err := t.reader.transmit(load); err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	keyType := byte(mifareKeyA)
	if keyB {
		keyType = mifareKeyB
	}
	trailer := byte(sectorToBlock(sector) + blockCountInSector(sector) - 1)
	auth := []byte{claPCSC, insAuth, 0x00, 0x00, 0x05, 0x01, 0x00, trailer, keyType, 0x00}
	if _, err := t.reader.transmit(auth); err != nil {
		return fmt.Errorf("authenticate sector %d: %w", sector, err)
	}
	return nil
}

func (t *pcscClassic) ReadBlock(block int) ([]byte, error) {
	return t.reader.transmit([]byte{claPCSC, insReadBinary, 0x00, byte(block), 0x10})
}

func (t *pcscClassic) WriteBlock(block int, data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("block data must be 16 bytes, got %d", len(data))
	}
	cmd := append([]byte{claPCSC, insUpdateBinary, 0x00, byte(block), 0x10}, data...)
	_, err := t.reader.transmit(cmd)
	return err
}

type pcscUltralight struct {
	*pcscTarget
}

func (t *pcscUltralight) ReadPage(page int) ([]byte, error) {
	resp, err := t.reader.transmit([]byte{claPCSC, insReadBinary, 0x00, byte(page), 0x04})
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, fmt.Errorf("short page read: %d bytes", len(resp))
	}
	return resp[:4], nil
}

func (t *pcscUltralight) WritePage(page int, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("page data must be 4 bytes, got %d", len(data))
	}
	cmd := append([]byte{claPCSC, insUpdateBinary, 0x00, byte(page), 0x04}, data...)
	_, err := t.reader.transmit(cmd)
	return err
}
