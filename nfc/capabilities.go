package nfc

import (
	"context"
)

// -------------------------------------
// Android only
// -------------------------------------

// IsEnabled reports whether the NFC adapter is switched on.
func (m *Manager) IsEnabled(ctx context.Context) (bool, error) {
	return invokeBool(ctx, m.bridge, "isEnabled")
}

// GoToNfcSetting opens the system NFC settings screen.
func (m *Manager) GoToNfcSetting(ctx context.Context) error {
	return invokeNone(ctx, m.bridge, "goToNfcSetting")
}

// GetLaunchTagEvent returns the tag that launched the application, if any.
func (m *Manager) GetLaunchTagEvent(ctx context.Context) (*Tag, error) {
	v, err := invokeAny(ctx, m.bridge, "getLaunchTagEvent")
	if err != nil {
		return nil, err
	}
	return DecodeTag(v)
}

// SetNdefPushMessage sets the message pushed over Android Beam. A nil message clears it.
func (m *Manager) SetNdefPushMessage(ctx context.Context, bytes []byte) error {
	return invokeNone(ctx, m.bridge, "setNdefPushMessage", bytes)
}

// -------------------------------------
// iOS only
// -------------------------------------

// SetAlertMessageIOS updates the message shown in the system NFC sheet.
func (m *Manager) SetAlertMessageIOS(ctx context.Context, alertMessage string) error {
	return invokeNone(ctx, m.bridge, "setAlertMessageIOS", alertMessage)
}

// InvalidateSessionWithErrorIOS closes the session showing errorMessage.
// An empty message defaults to "Error".
func (m *Manager) InvalidateSessionWithErrorIOS(ctx context.Context, errorMessage string) error {
	if errorMessage == "" {
		errorMessage = "Error"
	}
	return invokeNone(ctx, m.bridge, "invalidateSessionWithError", errorMessage)
}

// -------------------------------------
// Ndef
// -------------------------------------

// WriteNdefMessage writes an encoded NDEF message to the connected tag.
func (m *Manager) WriteNdefMessage(ctx context.Context, bytes []byte) error {
	return invokeNone(ctx, m.bridge, "writeNdefMessage", bytes)
}

// GetNdefMessage reads the NDEF message from the connected tag.
func (m *Manager) GetNdefMessage(ctx context.Context) (*Tag, error) {
	v, err := invokeAny(ctx, m.bridge, "getNdefMessage")
	if err != nil {
		return nil, err
	}
	return DecodeTag(v)
}

// GetCachedNdefMessageAndroid returns the NDEF message read at discovery time.
func (m *Manager) GetCachedNdefMessageAndroid(ctx context.Context) (*Tag, error) {
	v, err := invokeAny(ctx, m.bridge, "getCachedNdefMessage")
	if err != nil {
		return nil, err
	}
	return DecodeTag(v)
}

// MakeReadOnlyAndroid permanently locks the connected tag.
func (m *Manager) MakeReadOnlyAndroid(ctx context.Context) (bool, error) {
	return invokeBool(ctx, m.bridge, "makeReadOnly")
}

// -------------------------------------
// MifareClassic (Android)
// -------------------------------------

// MifareClassicAuthenticateA authenticates sector with key A. The key must be 6 bytes.
func (m *Manager) MifareClassicAuthenticateA(ctx context.Context, sector int, key []byte) error {
	return m.mifareClassicAuthenticate(ctx, "mifareClassicAuthenticateA", sector, key)
}

// MifareClassicAuthenticateB authenticates sector with key B. The key must be 6 bytes.
func (m *Manager) MifareClassicAuthenticateB(ctx context.Context, sector int, key []byte) error {
	return m.mifareClassicAuthenticate(ctx, "mifareClassicAuthenticateB", sector, key)
}

func (m *Manager) mifareClassicAuthenticate(ctx context.Context, op string, sector int, key []byte) error {
	if len(key) != MifareKeySize {
		return NewInvalidArgumentError(op, "key should be %d bytes, got %d", MifareKeySize, len(key))
	}
	return invokeNone(ctx, m.bridge, op, sector, key)
}

// MifareClassicGetBlockCountInSector returns the number of blocks in sector.
func (m *Manager) MifareClassicGetBlockCountInSector(ctx context.Context, sector int) (int, error) {
	return invokeInt(ctx, m.bridge, "mifareClassicGetBlockCountInSector", sector)
}

// MifareClassicGetSectorCount returns the number of sectors on the tag.
func (m *Manager) MifareClassicGetSectorCount(ctx context.Context) (int, error) {
	return invokeInt(ctx, m.bridge, "mifareClassicGetSectorCount")
}

// MifareClassicSectorToBlock returns the first block of sector.
func (m *Manager) MifareClassicSectorToBlock(ctx context.Context, sector int) (int, error) {
	return invokeInt(ctx, m.bridge, "mifareClassicSectorToBlock", sector)
}

// MifareClassicReadBlock reads one block.
func (m *Manager) MifareClassicReadBlock(ctx context.Context, block int) ([]byte, error) {
	return invokeBytes(ctx, m.bridge, "mifareClassicReadBlock", block)
}

// MifareClassicReadSector reads every block of sector.
func (m *Manager) MifareClassicReadSector(ctx context.Context, sector int) ([]byte, error) {
	return invokeBytes(ctx, m.bridge, "mifareClassicReadSector", sector)
}

// MifareClassicWriteBlock writes one block. data must be exactly MifareBlockSize bytes.
func (m *Manager) MifareClassicWriteBlock(ctx context.Context, block int, data []byte) error {
	if size := m.constants.MifareBlockSize; len(data) != size {
		return NewInvalidArgumentError("mifareClassicWriteBlock", "data should be %d bytes, got %d", size, len(data))
	}
	return invokeNone(ctx, m.bridge, "mifareClassicWriteBlock", block, data)
}

// -------------------------------------
// MifareUltralight (Android)
// -------------------------------------

// MifareUltralightReadPages reads four pages starting at pageOffset.
func (m *Manager) MifareUltralightReadPages(ctx context.Context, pageOffset int) ([]byte, error) {
	return invokeBytes(ctx, m.bridge, "mifareUltralightReadPages", pageOffset)
}

// MifareUltralightWritePage writes one page. data must be exactly MifareUltralightPageSize bytes.
func (m *Manager) MifareUltralightWritePage(ctx context.Context, pageOffset int, data []byte) error {
	if size := m.constants.MifareUltralightPageSize; len(data) != size {
		return NewInvalidArgumentError("mifareUltralightWritePage", "data should be %d bytes, got %d", size, len(data))
	}
	return invokeNone(ctx, m.bridge, "mifareUltralightWritePage", pageOffset, data)
}

// -------------------------------------
// Connection (Android): NfcA, NfcB, NfcF, NfcV, IsoDep, MifareClassic, MifareUltralight
// -------------------------------------

// SetTimeout sets the transceive timeout in milliseconds.
func (m *Manager) SetTimeout(ctx context.Context, timeoutMs int) error {
	return invokeNone(ctx, m.bridge, "setTimeout", timeoutMs)
}

// Connect connects to the current tag using one of techs.
func (m *Manager) Connect(ctx context.Context, techs []Tech) error {
	names := make([]string, len(techs))
	for i, t := range techs {
		names[i] = string(t)
	}
	return invokeNone(ctx, m.bridge, "connect", names)
}

// CloseTechnology closes the connection opened by Connect.
func (m *Manager) CloseTechnology(ctx context.Context) error {
	return invokeNone(ctx, m.bridge, "close")
}

// Transceive sends raw bytes to the tag and returns its reply.
func (m *Manager) Transceive(ctx context.Context, bytes []byte) ([]byte, error) {
	return invokeBytes(ctx, m.bridge, "transceive", bytes)
}

// GetMaxTransceiveLength returns the largest frame Transceive accepts.
func (m *Manager) GetMaxTransceiveLength(ctx context.Context) (int, error) {
	return invokeInt(ctx, m.bridge, "getMaxTransceiveLength")
}

// -------------------------------------
// iOS tag commands
// -------------------------------------

// SendMifareCommandIOS sends a raw command to a Mifare family tag.
func (m *Manager) SendMifareCommandIOS(ctx context.Context, bytes []byte) ([]byte, error) {
	return invokeBytes(ctx, m.bridge, "sendMifareCommand", bytes)
}

// SendCommandAPDUBytesIOS sends an encoded APDU to an IsoDep tag.
func (m *Manager) SendCommandAPDUBytesIOS(ctx context.Context, apdu []byte) (APDUResponse, error) {
	return m.sendCommandAPDU(ctx, "sendCommandAPDUBytes", apdu)
}

// SendCommandAPDUIOS sends a structured APDU to an IsoDep tag.
func (m *Manager) SendCommandAPDUIOS(ctx context.Context, apdu CommandAPDU) (APDUResponse, error) {
	return m.sendCommandAPDU(ctx, "sendCommandAPDU", apdu)
}

func (m *Manager) sendCommandAPDU(ctx context.Context, op string, apdu any) (APDUResponse, error) {
	if m.platform != PlatformIOS {
		return APDUResponse{}, NewNotSupportedError(op)
	}

	values, err := m.bridge.Invoke(ctx, op, apdu)
	if err != nil {
		return APDUResponse{}, err
	}
	if len(values) < 3 {
		return APDUResponse{}, NewUnexpectedResultError(op, "(response, sw1, sw2)", values, nil)
	}

	resp := APDUResponse{}
	if resp.Response, err = toBytes(op, values[0]); err != nil {
		return APDUResponse{}, err
	}
	if resp.SW1, err = toByte(op, values[1]); err != nil {
		return APDUResponse{}, err
	}
	if resp.SW2, err = toByte(op, values[2]); err != nil {
		return APDUResponse{}, err
	}
	return resp, nil
}

// -------------------------------------
// Deprecated
// -------------------------------------

// RequestNdefWrite writes bytes to the next tag presented.
//
// Deprecated: use RequestTechnology with TechNdef and WriteNdefMessage.
func (m *Manager) RequestNdefWrite(ctx context.Context, bytes []byte, opts NdefWriteOptions) error {
	return invokeNone(ctx, m.bridge, "requestNdefWrite", bytes, opts)
}

// CancelNdefWrite cancels a pending RequestNdefWrite.
//
// Deprecated: use CancelTechnologyRequest.
func (m *Manager) CancelNdefWrite(ctx context.Context) error {
	return invokeNone(ctx, m.bridge, "cancelNdefWrite")
}
