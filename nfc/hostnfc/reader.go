// Package hostnfc is a native NFC module backed by a reader attached to the
// host, over libnfc or PC/SC. It behaves like the Android reader API: one
// tag-event registration serves every technology.
package hostnfc

import (
	"errors"
	"fmt"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

var (
	// ErrNoRegistration is returned by requestTechnology when no tag event registration is active.
	ErrNoRegistration = errors.New("no tag event registration")
	// ErrRequestCancelled settles a pending technology request released by cancelTechnologyRequest.
	ErrRequestCancelled = errors.New("technology request cancelled")
	// ErrNoTag is returned when an operation needs a tag and none is in the field.
	ErrNoTag = errors.New("no tag in field")
	// ErrTechNotConnected is returned by tag I/O before a technology has been granted or connected.
	ErrTechNotConnected = errors.New("technology not connected")
	// ErrDuplicateRequest is returned when a technology request is already pending.
	ErrDuplicateRequest = errors.New("duplicate technology request")
)

// Reader is a physical NFC reader.
type Reader interface {
	// Targets returns the tags currently in the field. An empty slice means none.
	Targets() ([]Target, error)
	String() string
	Close() error
}

// Target is a tag found by a Reader.
type Target interface {
	UID() string
	Type() string
	Techs() []nfc.Tech
	Transceive(data []byte) ([]byte, error)
}

// ClassicTarget is implemented by Mifare Classic tags.
type ClassicTarget interface {
	Target
	SectorCount() int
	Authenticate(sector int, key []byte, keyB bool) error
	ReadBlock(block int) ([]byte, error)
	WriteBlock(block int, data []byte) error
}

// UltralightTarget is implemented by Mifare Ultralight tags.
type UltralightTarget interface {
	Target
	ReadPage(page int) ([]byte, error)
	WritePage(page int, data []byte) error
}

// Connector is implemented by targets that need an explicit connection
// before tag I/O.
type Connector interface {
	Connect() error
	Disconnect() error
}

// TimeoutSetter is implemented by targets whose transceive timeout can be changed.
type TimeoutSetter interface {
	SetTimeout(ms int)
}

// Mifare Classic geometry: sectors below 32 have 4 blocks, the large sectors
// of a 4K tag have 16.
const (
	smallSectorCount  = 32
	smallSectorBlocks = 4
	largeSectorBlocks = 16
)

func blockCountInSector(sector int) int {
	if sector < smallSectorCount {
		return smallSectorBlocks
	}
	return largeSectorBlocks
}

func sectorToBlock(sector int) int {
	if sector < smallSectorCount {
		return sector * smallSectorBlocks
	}
	return smallSectorCount*smallSectorBlocks + (sector-smallSectorCount)*largeSectorBlocks
}

// blockToSector returns the sector holding block.
func blockToSector(block int) int {
	if block < smallSectorCount*smallSectorBlocks {
		return block / smallSectorBlocks
	}
	return smallSectorCount + (block-smallSectorCount*smallSectorBlocks)/largeSectorBlocks
}

func checkSector(t ClassicTarget, sector int) error {
	if sector < 0 || sector >= t.SectorCount() {
		return fmt.Errorf("sector %d out of range (0-%d)", sector, t.SectorCount()-1)
	}
	return nil
}

// describe converts a target into the DiscoverTag payload.
func describe(t Target) nfc.Tag {
	techs := t.Techs()
	names := make([]string, len(techs))
	for i, tech := range techs {
		names[i] = string(tech)
	}
	return nfc.Tag{
		ID:        t.UID(),
		TechTypes: names,
		Type:      t.Type(),
	}
}

// matchTech returns the first requested technology the target offers.
func matchTech(requested, offered []nfc.Tech) (nfc.Tech, bool) {
	for _, want := range requested {
		for _, have := range offered {
			if want == have {
				return want, true
			}
		}
	}
	return "", false
}
