package nfc

// Tech names one technology family a tag can be spoken to with.
// Values match the identifiers used by the native layers.
type Tech string

const (
	TechNdef             Tech = "Ndef"
	TechNfcA             Tech = "NfcA"
	TechNfcB             Tech = "NfcB"
	TechNfcF             Tech = "NfcF"
	TechNfcV             Tech = "NfcV"
	TechIsoDep           Tech = "IsoDep"
	TechMifareClassic    Tech = "MifareClassic"
	TechMifareUltralight Tech = "MifareUltralight"
	// TechMifareIOS is the iOS-only legacy Mifare family.
	TechMifareIOS        Tech = "mifare"
)

// AllTechs returns every known technology identifier.
func AllTechs() []Tech {
	return []Tech{
		TechNdef,
		TechNfcA,
		TechNfcB,
		TechNfcF,
		TechNfcV,
		TechIsoDep,
		TechMifareClassic,
		TechMifareUltralight,
		TechMifareIOS,
	}
}

// Event is the name of a native event channel.
type Event string

const (
	EventDiscoverTag   Event = "NfcManagerDiscoverTag"
	EventSessionClosed Event = "NfcManagerSessionClosed"
	EventStateChanged  Event = "NfcManagerStateChanged"
)

// AllEvents returns the three recognised event kinds.
func AllEvents() []Event {
	return []Event{EventDiscoverTag, EventSessionClosed, EventStateChanged}
}

// IsKnownEvent reports whether e is one of the recognised event kinds.
func IsKnownEvent(e Event) bool {
	for _, known := range AllEvents() {
		if e == known {
			return true
		}
	}
	return false
}

// Platform identifies which native session model backs a Manager.
type Platform string

const (
	// PlatformAndroid has one session kind and a toggleable radio.
	PlatformAndroid Platform = "android"
	// PlatformIOS has two session kinds and persistent sessions.
	PlatformIOS     Platform = "ios"
)

// ReaderModeFlag is a bitmask of reader capabilities for Android reader mode.
type ReaderModeFlag int

const (
	FlagReaderNfcA             ReaderModeFlag = 0x1
	FlagReaderNfcB             ReaderModeFlag = 0x2
	FlagReaderNfcF             ReaderModeFlag = 0x4
	FlagReaderNfcV             ReaderModeFlag = 0x8
	FlagReaderNfcBarcode       ReaderModeFlag = 0x10
	FlagReaderSkipNdefCheck    ReaderModeFlag = 0x80
	FlagReaderNoPlatformSounds ReaderModeFlag = 0x100
)

// Adapter state values carried by EventStateChanged.
const (
	StateOn         = "on"
	StateOff        = "off"
	StateTurningOn  = "turning_on"
	StateTurningOff = "turning_off"
)

// Constants holds the Mifare sizing constants published by the native layer.
type Constants struct {
	MifareBlockSize             int `json:"MIFARE_BLOCK_SIZE"`
	MifareUltralightPageSize    int `json:"MIFARE_ULTRALIGHT_PAGE_SIZE"`
	MifareUltralightType        int `json:"MIFARE_ULTRALIGHT_TYPE"`
	MifareUltralightTypeC       int `json:"MIFARE_ULTRALIGHT_TYPE_C"`
	MifareUltralightTypeUnknown int `json:"MIFARE_ULTRALIGHT_TYPE_UNKNOWN"`
}

// DefaultConstants returns the values Android publishes.
func DefaultConstants() Constants {
	return Constants{
		MifareBlockSize:             16,
		MifareUltralightPageSize:    4,
		MifareUltralightType:        1,
		MifareUltralightTypeC:       2,
		MifareUltralightTypeUnknown: -1,
	}
}

// MifareKeySize is the length of a Mifare Classic sector key.
const MifareKeySize = 6

// Common MIFARE Classic keys
var (
	// KeyDefault is the factory default key (all 0xFF)
	KeyDefault = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// KeyNFCForum is the NFC Forum public key for NDEF
	KeyNFCForum = []byte{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7}
	// KeyMAD is the MAD (MIFARE Application Directory) key
	KeyMAD = []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5}
)
