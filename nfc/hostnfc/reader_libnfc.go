package hostnfc

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/clausecker/freefare"
	"github.com/clausecker/nfc/v2"

	core "github.com/dotside-studios/davi-nfc-manager/nfc"
)

// libnfcReader polls a libnfc device. Mifare Classic and Ultralight tags are
// discovered through freefare; other ISO14443-4 tags through a passive poll.
type libnfcReader struct {
	device nfc.Device
	name   string

	mu      sync.Mutex
	timeout int
}

// OpenLibnfc opens the libnfc device at connstring. An empty connstring picks
// the first device libnfc finds.
func OpenLibnfc(connstring string) (Reader, error) {
	if connstring == "" {
		devices, err := nfc.ListDevices()
		if err != nil {
			return nil, fmt.Errorf("list libnfc devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no libnfc devices found")
		}
		connstring = devices[0]
	}

	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", connstring, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("initiator init %s: %w", connstring, err)
	}
	return &libnfcReader{device: dev, name: dev.String()}, nil
}

// ListLibnfcDevices returns the connstrings of the attached libnfc devices.
func ListLibnfcDevices() ([]string, error) {
	return nfc.ListDevices()
}

func (r *libnfcReader) String() string {
	return r.name
}

func (r *libnfcReader) Close() error {
	return r.device.Close()
}

func (r *libnfcReader) Targets() ([]Target, error) {
	var targets []Target
	seen := make(map[string]bool)

	ffTags, ffErr := freefare.GetTags(r.device)
	for _, tag := range ffTags {
		uid := strings.ToUpper(tag.UID())
		if seen[uid] {
			continue
		}
		switch t := tag.(type) {
		case freefare.ClassicTag:
			targets = append(targets, &libnfcClassic{libnfcTarget: r.target(uid, freefareTypeName(int(t.Type()))), tag: t})
			seen[uid] = true
		case freefare.UltralightTag:
			targets = append(targets, &libnfcUltralight{libnfcTarget: r.target(uid, freefareTypeName(int(t.Type()))), tag: t})
			seen[uid] = true
		}
	}

	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	passive, listErr := r.device.InitiatorListPassiveTargets(modulation)
	if listErr != nil {
		if ffErr != nil && len(targets) == 0 {
			return nil, fmt.Errorf("freefare: %v; passive targets: %w", ffErr, listErr)
		}
		return targets, nil
	}

	for _, target := range passive {
		iso, ok := target.(*nfc.ISO14443aTarget)
		if !ok || iso.UIDLen <= 0 || int(iso.UIDLen) > len(iso.UID) {
			continue
		}
		uid := strings.ToUpper(hex.EncodeToString(iso.UID[:iso.UIDLen]))
		if seen[uid] {
			continue
		}
		seen[uid] = true

		t := r.target(uid, "ISO 14443-3A")
		// SAK bit 6 marks ISO14443-4 compliance
		if iso.Sak&0x20 != 0 {
			t.kind = "ISO 14443-4A"
			t.techs = []core.Tech{core.TechNfcA, core.TechIsoDep}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func freefareTypeName(t int) string {
	switch t {
	case int(freefare.Classic1k):
		return "MIFARE Classic 1K"
	case int(freefare.Classic4k):
		return "MIFARE Classic 4K"
	case int(freefare.Ultralight):
		return "MIFARE Ultralight"
	case int(freefare.UltralightC):
		return "MIFARE Ultralight C"
	default:
		return fmt.Sprintf("freefare tag %d", t)
	}
}

func (r *libnfcReader) target(uid, kind string) *libnfcTarget {
	return &libnfcTarget{reader: r, uid: uid, kind: kind, techs: []core.Tech{core.TechNfcA}}
}

func (r *libnfcReader) transceive(tx []byte) ([]byte, error) {
	r.mu.Lock()
	timeout := r.timeout
	r.mu.Unlock()

	var rx [262]byte
	n, err := r.device.InitiatorTransceiveBytes(tx, rx[:], timeout)
	if err != nil {
		return nil, fmt.Errorf("transceive: %w", err)
	}
	return rx[:n], nil
}

type libnfcTarget struct {
	reader *libnfcReader
	uid    string
	kind   string
	techs  []core.Tech
}

func (t *libnfcTarget) UID() string        { return t.uid }
func (t *libnfcTarget) Type() string       { return t.kind }
func (t *libnfcTarget) Techs() []core.Tech { return t.techs }
func (t *libnfcTarget) Transceive(data []byte) ([]byte, error) {
	return t.reader.transceive(data)
}

// SetTimeout implements TimeoutSetter. The value is passed to libnfc in milliseconds.
func (t *libnfcTarget) SetTimeout(ms int) {
	t.reader.mu.Lock()
	t.reader.timeout = ms
	t.reader.mu.Unlock()
}

type libnfcClassic struct {
	*libnfcTarget
	tag freefare.ClassicTag
}

func (t *libnfcClassic) Techs() []core.Tech {
	return []core.Tech{core.TechNfcA, core.TechMifareClassic}
}

func (t *libnfcClassic) Connect() error    { return t.tag.Connect() }
func (t *libnfcClassic) Disconnect() error { return t.tag.Disconnect() }

func (t *libnfcClassic) SectorCount() int {
	if int(t.tag.Type()) == int(freefare.Classic4k) {
		return 40
	}
	return 16
}

func (t *libnfcClassic) Authenticate(sector int, key []byte, keyB bool) error {
	var k [6]byte
	copy(k[:], key)
	keyType := freefare.KeyA
	if keyB {
		keyType = freefare.KeyB
	}
	block := freefare.ClassicSectorLastBlock(byte(sector))
	if err := t.tag.Authenticate(block, k, int(keyType)); err != nil {
		return fmt.Errorf("authenticate sector %d: %w", sector, err)
	}
	return nil
}

func (t *libnfcClassic) ReadBlock(block int) ([]byte, error) {
	data, err := t.tag.ReadBlock(byte(block))
	if err != nil {
		return nil, err
	}
	return data[:], nil
}

func (t *libnfcClassic) WriteBlock(block int, data []byte) error {
	var b [16]byte
	if len(data) != len(b) {
		return fmt.Errorf("block data must be %d bytes, got %d", len(b), len(data))
	}
	copy(b[:], data)
	return t.tag.WriteBlock(byte(block), b)
}

type libnfcUltralight struct {
	*libnfcTarget
	tag freefare.UltralightTag
}

func (t *libnfcUltralight) Techs() []core.Tech {
	return []core.Tech{core.TechNfcA, core.TechMifareUltralight, core.TechNdef}
}

func (t *libnfcUltralight) Connect() error    { return t.tag.Connect() }
func (t *libnfcUltralight) Disconnect() error { return t.tag.Disconnect() }

func (t *libnfcUltralight) ReadPage(page int) ([]byte, error) {
	data, err := t.tag.ReadPage(byte(page))
	if err != nil {
		return nil, err
	}
	return data[:], nil
}

func (t *libnfcUltralight) WritePage(page int, data []byte) error {
	var p [4]byte
	if len(data) != len(p) {
		return fmt.Errorf("page data must be %d bytes, got %d", len(p), len(data))
	}
	copy(p[:], data)
	return t.tag.WritePage(byte(page), p)
}
