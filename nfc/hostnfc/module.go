package hostnfc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// DefaultPollInterval is how often the reader is polled while a tag event
// registration is active.
const DefaultPollInterval = 250 * time.Millisecond

// maxTransceiveLength is the largest ISO-DEP frame a short APDU can carry.
const maxTransceiveLength = 253

// Module exposes a host reader as an nfc.NativeModule and nfc.EventEmitter.
//
// Example:
//
//	reader, _ := hostnfc.OpenLibnfc("")
//	module := hostnfc.NewModule(reader, hostnfc.WithLogger(logger))
//	defer module.Close()
//	mgr, _ := nfc.NewManager(module, module)
type Module struct {
	*nfc.Emitter

	reader       Reader
	logger       *zap.Logger
	pollInterval time.Duration
	methods      nfc.Methods

	// opMu serialises reader and tag I/O between the poll loop and method workers.
	opMu sync.Mutex

	mu         sync.Mutex
	registered bool
	opts       nfc.RegisterOptions
	stopPoll   chan struct{}
	readerUp   bool
	lastUID    string
	current    Target
	pending    *techRequest
	connected  Target
	closed     bool
}

type techRequest struct {
	techs []nfc.Tech
	done  nfc.Callback
}

// ModuleOption configures a Module.
type ModuleOption func(*Module)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) ModuleOption {
	return func(m *Module) { m.logger = logger }
}

// WithPollInterval changes how often the reader is polled.
func WithPollInterval(d time.Duration) ModuleOption {
	return func(m *Module) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewModule creates a Module over reader.
func NewModule(reader Reader, opts ...ModuleOption) *Module {
	m := &Module{
		Emitter:      nfc.NewEmitter(),
		reader:       reader,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
		readerUp:     true,
		opts:         nfc.DefaultRegisterOptions(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.Named("hostnfc").With(zap.String("reader", reader.String()))

	m.methods = nfc.Methods{
		"start":                   m.start,
		"isSupported":             m.isSupported,
		"isEnabled":               m.isEnabled,
		"hasTagEventRegistration": m.hasTagEventRegistration,
		"registerTagEvent":        m.registerTagEvent,
		"unregisterTagEvent":      m.unregisterTagEvent,
		"getTag":                  m.getTag,
		"requestTechnology":       m.requestTechnology,
		"cancelTechnologyRequest": m.cancelTechnologyRequest,
		"connect":                 m.connect,
		"close":                   m.closeTechnology,
		"setTimeout":              m.setTimeout,
		"transceive":              m.transceive,
		"getMaxTransceiveLength":  m.getMaxTransceiveLength,
		"getNdefMessage":          m.getNdefMessage,
		"writeNdefMessage":        m.writeNdefMessage,

		"mifareClassicAuthenticateA":         m.mifareClassicAuthenticate(false),
		"mifareClassicAuthenticateB":         m.mifareClassicAuthenticate(true),
		"mifareClassicGetBlockCountInSector": m.mifareClassicGetBlockCountInSector,
		"mifareClassicGetSectorCount":        m.mifareClassicGetSectorCount,
		"mifareClassicSectorToBlock":         m.mifareClassicSectorToBlock,
		"mifareClassicReadBlock":             m.mifareClassicReadBlock,
		"mifareClassicReadSector":            m.mifareClassicReadSector,
		"mifareClassicWriteBlock":            m.mifareClassicWriteBlock,

		"mifareUltralightReadPages": m.mifareUltralightReadPages,
		"mifareUltralightWritePage": m.mifareUltralightWritePage,
	}
	return m
}

// Method implements nfc.NativeModule.
func (m *Module) Method(name string) (nfc.NativeMethod, bool) {
	return m.methods.Method(name)
}

// Platform implements nfc.PlatformProvider. Host readers follow the Android model.
func (m *Module) Platform() nfc.Platform {
	return nfc.PlatformAndroid
}

// Constants implements nfc.ConstantsProvider.
func (m *Module) Constants() nfc.Constants {
	return nfc.DefaultConstants()
}

// Close stops polling, fails any pending request and closes the reader.
func (m *Module) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.unregister()
	m.dropConnection()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.reader.Close()
}

// -------------------------------------
// Sessions
// -------------------------------------

func (m *Module) start(_ []any, done nfc.Callback) {
	m.logger.Info("host reader started")
	done(nil)
}

func (m *Module) isSupported(args []any, done nfc.Callback) {
	tech, err := stringArg(args, 0)
	if err != nil && len(args) > 0 {
		done(err)
		return
	}
	switch nfc.Tech(tech) {
	case "", nfc.TechNfcA, nfc.TechIsoDep, nfc.TechMifareClassic, nfc.TechMifareUltralight, nfc.TechNdef:
		done(nil, true)
	default:
		done(nil, false)
	}
}

func (m *Module) isEnabled(_ []any, done nfc.Callback) {
	m.mu.Lock()
	up := m.readerUp
	m.mu.Unlock()
	done(nil, up)
}

func (m *Module) hasTagEventRegistration(_ []any, done nfc.Callback) {
	m.mu.Lock()
	registered := m.registered
	m.mu.Unlock()
	done(nil, registered)
}

func (m *Module) registerTagEvent(args []any, done nfc.Callback) {
	opts, err := optionsArg(args, 0)
	if err != nil {
		done(err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		done(nfc.ErrClosed)
		return
	}
	m.opts = opts
	if m.registered {
		m.mu.Unlock()
		done(nil)
		return
	}
	m.registered = true
	m.lastUID = ""
	m.current = nil
	stop := make(chan struct{})
	m.stopPoll = stop
	m.mu.Unlock()

	m.logger.Debug("tag event registered", zap.Bool("invalidateAfterFirstRead", opts.InvalidateAfterFirstRead))
	go m.pollLoop(stop)
	done(nil)
}

func (m *Module) unregisterTagEvent(_ []any, done nfc.Callback) {
	m.unregister()
	done(nil)
}

// unregister stops the poll loop without waiting for it, so it is safe to
// call from an event listener running on the loop.
func (m *Module) unregister() {
	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		return
	}
	m.registered = false
	stop := m.stopPoll
	m.stopPoll = nil
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	close(stop)
	if pending != nil {
		pending.done(ErrNoRegistration)
	}
	m.logger.Debug("tag event unregistered")
}

func (m *Module) getTag(_ []any, done nfc.Callback) {
	m.mu.Lock()
	target := m.connected
	if target == nil {
		target = m.current
	}
	m.mu.Unlock()

	if target == nil {
		done(nil, nil)
		return
	}
	done(nil, describe(target))
}

// -------------------------------------
// Technology requests
// -------------------------------------

// requestTechnology completes when a tag offering one of the requested
// technologies is in the field, or when the request is cancelled.
func (m *Module) requestTechnology(args []any, done nfc.Callback) {
	techs, err := techsArg(args, 0)
	if err != nil {
		done(err)
		return
	}
	if len(techs) == 0 {
		done(nfc.NewInvalidArgumentError("requestTechnology", "at least one technology is required"))
		return
	}

	m.mu.Lock()
	if !m.registered {
		m.mu.Unlock()
		done(ErrNoRegistration)
		return
	}
	if m.pending != nil {
		m.mu.Unlock()
		done(ErrDuplicateRequest)
		return
	}
	req := &techRequest{techs: techs, done: done}
	current := m.current
	if current == nil {
		m.pending = req
		m.mu.Unlock()
		m.logger.Debug("waiting for tag", zap.Strings("techs", techNames(techs)))
		return
	}
	m.mu.Unlock()

	if tech, ok := matchTech(techs, current.Techs()); ok {
		m.grant(req, current, tech)
		return
	}
	m.mu.Lock()
	m.pending = req
	m.mu.Unlock()
}

func (m *Module) cancelTechnologyRequest(_ []any, done nfc.Callback) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if pending != nil {
		pending.done(ErrRequestCancelled)
	}
	m.dropConnection()
	done(nil)
}

// grant connects target and settles req with tech.
func (m *Module) grant(req *techRequest, target Target, tech nfc.Tech) {
	if c, ok := target.(Connector); ok {
		m.opMu.Lock()
		err := c.Connect()
		m.opMu.Unlock()
		if err != nil {
			req.done(fmt.Errorf("connect %s: %w", tech, err))
			return
		}
	}

	m.mu.Lock()
	m.connected = target
	m.mu.Unlock()

	m.logger.Debug("technology granted", zap.String("tech", string(tech)), zap.String("uid", target.UID()))
	req.done(nil, string(tech))
}

func (m *Module) dropConnection() {
	m.mu.Lock()
	target := m.connected
	m.connected = nil
	m.mu.Unlock()

	if c, ok := target.(Connector); ok {
		m.opMu.Lock()
		if err := c.Disconnect(); err != nil {
			m.logger.Debug("disconnect failed", zap.Error(err))
		}
		m.opMu.Unlock()
	}
}

func (m *Module) connect(args []any, done nfc.Callback) {
	techs, err := techsArg(args, 0)
	if err != nil {
		done(err)
		return
	}

	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		done(ErrNoTag)
		return
	}

	tech, ok := matchTech(techs, current.Techs())
	if !ok {
		done(fmt.Errorf("tag %s does not support %v", current.UID(), techNames(techs)))
		return
	}
	m.grant(&techRequest{techs: techs, done: func(err error, _ ...any) { done(err) }}, current, tech)
}

func (m *Module) closeTechnology(_ []any, done nfc.Callback) {
	m.dropConnection()
	done(nil)
}

// -------------------------------------
// Polling
// -------------------------------------

func (m *Module) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		m.poll(stop)
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (m *Module) poll(stop <-chan struct{}) {
	m.opMu.Lock()
	targets, err := m.reader.Targets()
	m.opMu.Unlock()

	m.setReaderState(err)
	if err != nil {
		return
	}

	if len(targets) == 0 {
		m.mu.Lock()
		gone := m.lastUID
		m.lastUID = ""
		m.current = nil
		m.mu.Unlock()
		if gone != "" {
			m.logger.Debug("tag removed", zap.String("uid", gone))
		}
		return
	}

	target := targets[0]
	m.mu.Lock()
	if m.stopPoll != stop || target.UID() == m.lastUID {
		m.mu.Unlock()
		return
	}
	m.lastUID = target.UID()
	m.current = target
	req := m.pending
	invalidate := m.opts.InvalidateAfterFirstRead
	if req != nil {
		if tech, ok := matchTech(req.techs, target.Techs()); ok {
			m.pending = nil
			m.mu.Unlock()
			m.grant(req, target, tech)
			return
		}
		m.mu.Unlock()
		m.logger.Debug("tag does not offer requested technology",
			zap.String("uid", target.UID()), zap.Strings("requested", techNames(req.techs)))
		return
	}
	m.mu.Unlock()

	m.logger.Info("tag discovered", zap.String("uid", target.UID()), zap.String("type", target.Type()))
	m.Emit(nfc.EventDiscoverTag, describe(target))

	if invalidate {
		m.unregister()
	}
}

// setReaderState emits StateChanged when the reader goes away or comes back.
func (m *Module) setReaderState(err error) {
	up := err == nil

	m.mu.Lock()
	changed := m.readerUp != up
	m.readerUp = up
	m.mu.Unlock()

	if !changed {
		return
	}
	state := nfc.StateOn
	if !up {
		state = nfc.StateOff
		m.logger.Warn("reader unavailable", zap.Error(err))
	} else {
		m.logger.Info("reader available")
	}
	m.Emit(nfc.EventStateChanged, map[string]any{"state": state})
}

func techNames(techs []nfc.Tech) []string {
	names := make([]string, len(techs))
	for i, t := range techs {
		names[i] = string(t)
	}
	return names
}
