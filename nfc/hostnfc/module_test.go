package hostnfc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

type fakeReader struct {
	mu      sync.Mutex
	targets []Target
	err     error
	closed  bool
}

func (r *fakeReader) String() string { return "fake:usb:001" }

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) Targets() ([]Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets, r.err
}

func (r *fakeReader) place(targets ...Target) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = targets
}

func (r *fakeReader) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fakeTarget struct {
	uid   string
	techs []nfc.Tech
	sent  [][]byte

	mu           sync.Mutex
	connected    bool
	disconnected int
}

func (t *fakeTarget) UID() string       { return t.uid }
func (t *fakeTarget) Type() string      { return "fake" }
func (t *fakeTarget) Techs() []nfc.Tech { return t.techs }

func (t *fakeTarget) Transceive(data []byte) ([]byte, error) {
	t.sent = append(t.sent, data)
	return []byte{0x90, 0x00}, nil
}

func (t *fakeTarget) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *fakeTarget) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.disconnected++
	return nil
}

type fakeClassic struct {
	*fakeTarget
	blocks        map[int][]byte
	authenticated map[int]bool
}

func newFakeClassic(uid string) *fakeClassic {
	return &fakeClassic{
		fakeTarget:    &fakeTarget{uid: uid, techs: []nfc.Tech{nfc.TechNfcA, nfc.TechMifareClassic}},
		blocks:        make(map[int][]byte),
		authenticated: make(map[int]bool),
	}
}

func (t *fakeClassic) SectorCount() int { return 16 }

func (t *fakeClassic) Authenticate(sector int, key []byte, keyB bool) error {
	if string(key) != string(nfc.KeyDefault) {
		return errors.New("authentication failed")
	}
	t.authenticated[sector] = true
	return nil
}

func (t *fakeClassic) ReadBlock(block int) ([]byte, error) {
	if !t.authenticated[blockToSector(block)] {
		return nil, errors.New("not authenticated")
	}
	if b, ok := t.blocks[block]; ok {
		return b, nil
	}
	return make([]byte, 16), nil
}

func (t *fakeClassic) WriteBlock(block int, data []byte) error {
	if !t.authenticated[blockToSector(block)] {
		return errors.New("not authenticated")
	}
	t.blocks[block] = data
	return nil
}

type fakeUltralight struct {
	*fakeTarget
	pages map[int][]byte
}

// newFakeUltralight returns a 48 byte NTAG-like tag; cc is its capability container.
func newFakeUltralight(uid string, cc []byte) *fakeUltralight {
	return &fakeUltralight{
		fakeTarget: &fakeTarget{uid: uid, techs: []nfc.Tech{nfc.TechNfcA, nfc.TechMifareUltralight, nfc.TechNdef}},
		pages:      map[int][]byte{3: cc},
	}
}

func (t *fakeUltralight) ReadPage(page int) ([]byte, error) {
	if page > 15 {
		return nil, errors.New("page out of range")
	}
	if p, ok := t.pages[page]; ok {
		return p, nil
	}
	return make([]byte, 4), nil
}

func (t *fakeUltralight) WritePage(page int, data []byte) error {
	if page < 4 || page > 15 {
		return errors.New("page out of range")
	}
	t.pages[page] = data
	return nil
}

func newTestModule(t *testing.T) (*Module, *fakeReader, *nfc.Manager) {
	t.Helper()
	reader := &fakeReader{}
	module := NewModule(reader, WithPollInterval(5*time.Millisecond))
	mgr, err := nfc.NewManager(module, module)
	require.NoError(t, err)
	t.Cleanup(func() {
		mgr.Close()
		module.Close()
	})
	return module, reader, mgr
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestModule_RequestTechnologyRoundTrip(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	assert.Equal(t, nfc.PlatformAndroid, mgr.Platform())

	tag := &fakeTarget{uid: "04A1B2C3", techs: []nfc.Tech{nfc.TechNfcA, nfc.TechIsoDep}}
	go func() {
		time.Sleep(20 * time.Millisecond)
		reader.place(tag)
	}()

	granted, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechIsoDep})
	require.NoError(t, err)
	assert.Equal(t, nfc.TechIsoDep, granted)
	assert.True(t, mgr.ImplicitRegistration())

	got, err := mgr.GetTag(ctx)
	require.NoError(t, err)
	assert.Equal(t, "04A1B2C3", got.ID)
	assert.True(t, got.HasTech(nfc.TechIsoDep))

	resp, err := mgr.Transceive(ctx, []byte{0x00, 0xA4, 0x04, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, resp)

	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	assert.False(t, mgr.ImplicitRegistration())

	registered, err := mgr.Bridge().Invoke(ctx, "hasTagEventRegistration")
	require.NoError(t, err)
	assert.Equal(t, []any{false}, registered)
	assert.Equal(t, 1, tag.disconnected)
}

func TestModule_RequestTechnologyWithoutRegistration(t *testing.T) {
	_, _, mgr := newTestModule(t)

	_, err := mgr.Bridge().Invoke(withTimeout(t), "requestTechnology", []string{"NfcA"})
	assert.ErrorIs(t, err, ErrNoRegistration)
}

func TestModule_CancelReleasesPendingRequest(t *testing.T) {
	_, _, mgr := newTestModule(t)
	ctx := withTimeout(t)

	result := make(chan error, 1)
	go func() {
		_, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechNfcA})
		result <- err
	}()

	require.Eventually(t, mgr.ImplicitRegistration, time.Second, 5*time.Millisecond)
	// give the request time to reach the module
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, mgr.CancelTechnologyRequest(ctx))

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, ErrRequestCancelled) || errors.Is(err, ErrNoRegistration), "got %v", err)
	case <-ctx.Done():
		t.Fatal("pending request was not released")
	}
}

func TestModule_DuplicateRequest(t *testing.T) {
	_, _, mgr := newTestModule(t)
	ctx := withTimeout(t)

	require.NoError(t, mgr.RegisterTagEvent(ctx))
	first, err := mgr.Bridge().Call("requestTechnology", []string{"NfcA"})
	require.NoError(t, err)

	_, err = mgr.Bridge().Invoke(ctx, "requestTechnology", []string{"NfcA"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	_, err = first.Await(ctx)
	assert.ErrorIs(t, err, ErrRequestCancelled)
	require.NoError(t, mgr.UnregisterTagEvent(ctx))
}

func TestModule_RequestTechnologyEmptyList(t *testing.T) {
	_, _, mgr := newTestModule(t)
	ctx := withTimeout(t)

	require.NoError(t, mgr.RegisterTagEvent(ctx))
	_, err := mgr.Bridge().Invoke(ctx, "requestTechnology", []string{})
	require.Error(t, err)
	assert.True(t, nfc.IsInvalidArgumentError(err))

	// nothing was left pending
	_, err = mgr.Bridge().Call("requestTechnology", []string{"NfcA"})
	require.NoError(t, err)
	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
	require.NoError(t, mgr.UnregisterTagEvent(ctx))
}

func TestModule_TimedOutRequestCanBeRetried(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := mgr.RequestTechnology(short, []nfc.Tech{nfc.TechNfcA})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, mgr.CancelTechnologyRequest(short))
	assert.False(t, mgr.ImplicitRegistration())

	registered, err := mgr.Bridge().Invoke(ctx, "hasTagEventRegistration")
	require.NoError(t, err)
	assert.Equal(t, []any{false}, registered)

	reader.place(&fakeTarget{uid: "04D00D00", techs: []nfc.Tech{nfc.TechNfcA}})
	granted, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechNfcA})
	require.NoError(t, err)
	assert.Equal(t, nfc.TechNfcA, granted)
	require.NoError(t, mgr.CancelTechnologyRequest(ctx))
}

func TestModule_DiscoverTagEvent(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	tags := make(chan *nfc.Tag, 4)
	require.NoError(t, mgr.SetEventListener(nfc.EventDiscoverTag, func(payload any) {
		tag, err := nfc.DecodeTag(payload)
		if err == nil {
			tags <- tag
		}
	}))

	require.NoError(t, mgr.RegisterTagEvent(ctx, nfc.WithInvalidateAfterFirstRead(true)))
	reader.place(newFakeClassic("AABBCCDD"))

	select {
	case tag := <-tags:
		assert.Equal(t, "AABBCCDD", tag.ID)
		assert.True(t, tag.HasTech(nfc.TechMifareClassic))
	case <-ctx.Done():
		t.Fatal("no DiscoverTag event")
	}

	require.Eventually(t, func() bool {
		v, err := mgr.Bridge().Invoke(ctx, "hasTagEventRegistration")
		return err == nil && len(v) == 1 && v[0] == false
	}, time.Second, 5*time.Millisecond, "registration should end after the first read")
}

func TestModule_DiscoverTagFiresOncePerTag(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	var mu sync.Mutex
	var ids []string
	require.NoError(t, mgr.SetEventListener(nfc.EventDiscoverTag, func(payload any) {
		mu.Lock()
		ids = append(ids, payload.(nfc.Tag).ID)
		mu.Unlock()
	}))
	require.NoError(t, mgr.RegisterTagEvent(ctx))

	reader.place(&fakeTarget{uid: "01", techs: []nfc.Tech{nfc.TechNfcA}})
	time.Sleep(40 * time.Millisecond)
	reader.place()
	time.Sleep(20 * time.Millisecond)
	reader.place(&fakeTarget{uid: "02", techs: []nfc.Tech{nfc.TechNfcA}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"01", "02"}, ids)
	mu.Unlock()
}

func TestModule_StateChanged(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	states := make(chan any, 4)
	require.NoError(t, mgr.SetEventListener(nfc.EventStateChanged, func(payload any) { states <- payload }))
	require.NoError(t, mgr.RegisterTagEvent(ctx))

	next := func() any {
		select {
		case s := <-states:
			return s
		case <-ctx.Done():
			t.Fatal("no StateChanged event")
			return nil
		}
	}

	reader.fail(errors.New("usb device lost"))
	assert.Equal(t, map[string]any{"state": nfc.StateOff}, next())

	enabled, err := mgr.IsEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	reader.fail(nil)
	assert.Equal(t, map[string]any{"state": nfc.StateOn}, next())
}

func TestModule_MifareClassic(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	tag := newFakeClassic("0A0B0C0D")
	reader.place(tag)

	_, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechMifareClassic})
	require.NoError(t, err)
	defer mgr.CancelTechnologyRequest(ctx)

	sectors, err := mgr.MifareClassicGetSectorCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, sectors)

	first, err := mgr.MifareClassicSectorToBlock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, first)

	count, err := mgr.MifareClassicGetBlockCountInSector(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	_, err = mgr.MifareClassicReadBlock(ctx, 4)
	require.Error(t, err, "reads need authentication")

	require.Error(t, mgr.MifareClassicAuthenticateA(ctx, 1, nfc.KeyMAD))
	require.NoError(t, mgr.MifareClassicAuthenticateA(ctx, 1, nfc.KeyDefault))

	data := []byte("0123456789ABCDEF")
	require.NoError(t, mgr.MifareClassicWriteBlock(ctx, 5, data))

	block, err := mgr.MifareClassicReadBlock(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, data, block)

	sector, err := mgr.MifareClassicReadSector(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, sector, 64)
	assert.Equal(t, data, sector[16:32])

	_, err = mgr.MifareClassicGetBlockCountInSector(ctx, 16)
	assert.Error(t, err)
}

// textRecord is a well-known text record "hi" in English.
var textRecord = []byte{0xD1, 0x01, 0x05, 'T', 0x02, 'e', 'n', 'h', 'i'}

func TestModule_NdefRoundTrip(t *testing.T) {
	_, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	tag := newFakeUltralight("04A1B2C3D4E5F6", []byte{0xE1, 0x10, 0x06, 0x00})
	reader.place(tag)

	_, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechNdef})
	require.NoError(t, err)
	defer mgr.CancelTechnologyRequest(ctx)

	empty, err := mgr.GetNdefMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 48, empty.MaxSize)
	assert.True(t, empty.IsWritable)
	assert.Empty(t, empty.NdefMessage)

	require.NoError(t, mgr.WriteNdefMessage(ctx, textRecord))
	assert.Equal(t, []byte{0x03, 0x09, 0xD1, 0x01}, tag.pages[4])
	assert.Equal(t, []byte{'n', 'h', 'i', 0xFE}, tag.pages[6])

	got, err := mgr.GetNdefMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "04A1B2C3D4E5F6", got.ID)
	require.Len(t, got.NdefMessage, 1)
	rec := got.NdefMessage[0]
	assert.Equal(t, byte(0x01), rec.TNF)
	assert.Equal(t, nfc.Bytes("T"), rec.Type)
	assert.Equal(t, nfc.Bytes{0x02, 'e', 'n', 'h', 'i'}, rec.Payload)

	err = mgr.WriteNdefMessage(ctx, make([]byte, 60))
	assert.ErrorIs(t, err, ErrNdefTooLarge)
}

func TestModule_NdefErrors(t *testing.T) {
	tests := []struct {
		name    string
		cc      []byte
		message []byte
		want    error
	}{
		{"not formatted", []byte{0x00, 0x00, 0x00, 0x00}, textRecord, ErrNotNdefFormatted},
		{"too large", []byte{0xE1, 0x10, 0x01, 0x00}, textRecord, ErrNdefTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reader, mgr := newTestModule(t)
			ctx := withTimeout(t)
			reader.place(newFakeUltralight("04000000000001", tt.cc))

			_, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechMifareUltralight})
			require.NoError(t, err)
			defer mgr.CancelTechnologyRequest(ctx)

			assert.ErrorIs(t, mgr.WriteNdefMessage(ctx, tt.message), tt.want)
		})
	}

	t.Run("read-only", func(t *testing.T) {
		_, reader, mgr := newTestModule(t)
		ctx := withTimeout(t)
		reader.place(newFakeUltralight("04000000000002", []byte{0xE1, 0x10, 0x06, 0x0F}))

		_, err := mgr.RequestTechnology(ctx, []nfc.Tech{nfc.TechNdef})
		require.NoError(t, err)
		defer mgr.CancelTechnologyRequest(ctx)

		assert.Error(t, mgr.WriteNdefMessage(ctx, textRecord))
		tag, err := mgr.GetNdefMessage(ctx)
		require.NoError(t, err)
		assert.False(t, tag.IsWritable)
	})
}

func TestFindNDEF(t *testing.T) {
	tests := []struct {
		name string
		area []byte
		want []byte
		ok   bool
	}{
		{"plain", []byte{0x03, 0x02, 0xAA, 0xBB, 0xFE}, []byte{0xAA, 0xBB}, true},
		{"after null and lock control", []byte{0x00, 0x01, 0x03, 0xA0, 0x10, 0x44, 0x03, 0x01, 0xCC, 0xFE}, []byte{0xCC}, true},
		{"long length", append([]byte{0x03, 0xFF, 0x00, 0x01, 0xDD}, 0xFE), []byte{0xDD}, true},
		{"terminator first", []byte{0xFE, 0x03, 0x01, 0xAA}, nil, false},
		{"truncated", []byte{0x03, 0x05, 0xAA}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := findNDEF(tt.area)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeTLV(t *testing.T) {
	assert.Equal(t, []byte{0x03, 0x01, 0xAA, 0xFE}, encodeTLV([]byte{0xAA}))

	long := encodeTLV(make([]byte, 300))
	assert.Equal(t, []byte{0x03, 0xFF, 0x01, 0x2C}, long[:4])
	assert.Equal(t, byte(0xFE), long[len(long)-1])
}

func TestParseRecords(t *testing.T) {
	uri := []byte{0x11, 0x01, 0x04, 'U', 0x04, 'a', '.', 'b'}
	withID := []byte{0x59, 0x01, 0x01, 0x02, 'T', 'i', 'd', 0x00}
	message := append(append([]byte{0x91, 0x01, 0x01, 'T', 0x00}, uri...), withID...)

	records, err := parseRecords(message)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, nfc.Bytes("U"), records[1].Type)
	assert.Equal(t, nfc.Bytes{0x04, 'a', '.', 'b'}, records[1].Payload)
	assert.Equal(t, nfc.Bytes("id"), records[2].ID)

	_, err = parseRecords(nil)
	assert.Error(t, err)
	_, err = parseRecords([]byte{0xD1, 0x01, 0x09, 'T', 0x02})
	assert.Error(t, err)
}

func TestModule_TagIOWithoutTechnology(t *testing.T) {
	_, _, mgr := newTestModule(t)
	ctx := withTimeout(t)

	_, err := mgr.Transceive(ctx, []byte{0x30, 0x00})
	assert.ErrorIs(t, err, ErrTechNotConnected)

	_, err = mgr.MifareUltralightReadPages(ctx, 0)
	assert.ErrorIs(t, err, ErrTechNotConnected)
}

func TestModule_UnsupportedMethods(t *testing.T) {
	_, _, mgr := newTestModule(t)
	ctx := withTimeout(t)

	_, err := mgr.SendMifareCommandIOS(ctx, []byte{0x30, 0x00})
	assert.ErrorIs(t, err, nfc.ErrInvalidOperation)

	supported, err := mgr.IsSupported(ctx, nfc.TechNfcF)
	require.NoError(t, err)
	assert.False(t, supported)

	supported, err = mgr.IsSupported(ctx, "")
	require.NoError(t, err)
	assert.True(t, supported)
}

func TestModule_Close(t *testing.T) {
	module, reader, mgr := newTestModule(t)
	ctx := withTimeout(t)

	require.NoError(t, mgr.RegisterTagEvent(ctx))
	require.NoError(t, module.Close())
	assert.True(t, reader.closed)

	err := mgr.RegisterTagEvent(ctx)
	assert.ErrorIs(t, err, nfc.ErrClosed)
}

func TestMifareGeometry(t *testing.T) {
	tests := []struct {
		sector, first, count int
	}{
		{0, 0, 4},
		{15, 60, 4},
		{31, 124, 4},
		{32, 128, 16},
		{39, 240, 16},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.first, sectorToBlock(tt.sector), "sector %d", tt.sector)
		assert.Equal(t, tt.count, blockCountInSector(tt.sector), "sector %d", tt.sector)
		assert.Equal(t, tt.sector, blockToSector(tt.first+tt.count-1), "sector %d", tt.sector)
	}
}

func TestCardName(t *testing.T) {
	tests := []struct {
		name string
		atr  []byte
		want byte
	}{
		{"classic 1k", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A}, cardClassic1K},
		{"ultralight", []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x03, 0x00, 0x00, 0x00, 0x00, 0x68}, cardUltralight},
		{"iso 14443-4", []byte{0x3B, 0x80, 0x80, 0x01, 0x01}, 0},
		{"truncated", []byte{0xA0, 0x00, 0x00, 0x03, 0x06, 0x03}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cardName(tt.atr))
		})
	}
}

func TestArgs(t *testing.T) {
	techs, err := techsArg([]any{[]any{"NfcA", "IsoDep"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []nfc.Tech{nfc.TechNfcA, nfc.TechIsoDep}, techs)

	b, err := bytesArg([]any{[]any{float64(1), float64(255)}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 255}, b)

	_, err = bytesArg([]any{[]any{float64(256)}}, 0)
	assert.Error(t, err)

	n, err := intArg([]any{float64(3)}, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = intArg(nil, 0)
	assert.Error(t, err)

	opts, err := optionsArg([]any{map[string]any{"alertMessage": "Hi"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hi", opts.AlertMessage)
	assert.False(t, opts.InvalidateAfterFirstRead)

	opts, err = optionsArg(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, nfc.DefaultRegisterOptions(), opts)
}
