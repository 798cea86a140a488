package remotenfc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/nfc"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Device is a registered phone. It implements nfc.NativeModule and
// nfc.EventEmitter, so it can back an nfc.Manager directly:
//
//	mgr, err := nfc.NewManager(device, device)
type Device struct {
	*nfc.Emitter

	id         string
	name       string
	platform   nfc.Platform
	appVersion string
	constants  nfc.Constants
	methods    map[string]bool

	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]nfc.Callback
	lastSeen time.Time
	closed   bool
	done     chan struct{}
}

func newDevice(conn *websocket.Conn, req RegisterRequest, logger *zap.Logger) *Device {
	d := &Device{
		Emitter:    nfc.NewEmitter(),
		id:         uuid.NewString(),
		name:       req.DeviceName,
		platform:   req.Platform,
		appVersion: req.AppVersion,
		constants:  nfc.DefaultConstants(),
		methods:    make(map[string]bool, len(req.Methods)),
		conn:       conn,
		pending:    make(map[string]nfc.Callback),
		lastSeen:   time.Now(),
		done:       make(chan struct{}),
	}
	if req.Constants != nil {
		d.constants = *req.Constants
	}
	for _, m := range req.Methods {
		d.methods[m] = true
	}
	d.logger = logger.With(zap.String("device", d.id), zap.String("name", d.name), zap.String("platform", string(d.platform)))
	return d
}

// ID returns the identifier assigned at registration.
func (d *Device) ID() string { return d.id }

// Name returns the name the phone registered with.
func (d *Device) Name() string { return d.name }

// AppVersion returns the companion app version, if reported.
func (d *Device) AppVersion() string { return d.appVersion }

// Platform implements nfc.PlatformProvider.
func (d *Device) Platform() nfc.Platform { return d.platform }

// Constants implements nfc.ConstantsProvider.
func (d *Device) Constants() nfc.Constants { return d.constants }

func (d *Device) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.name, d.platform, d.id)
}

// LastSeen returns when the phone last sent a frame.
func (d *Device) LastSeen() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen
}

// Done is closed once the device disconnects.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Method implements nfc.NativeModule. Only the methods the phone advertised exist.
func (d *Device) Method(name string) (nfc.NativeMethod, bool) {
	if !d.methods[name] {
		return nil, false
	}
	return func(args []any, done nfc.Callback) {
		d.invoke(name, args, done)
	}, true
}

func (d *Device) invoke(method string, args []any, done nfc.Callback) {
	id := uuid.NewString()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done(ErrDeviceDisconnected)
		return
	}
	d.pending[id] = done
	d.mu.Unlock()

	frame, err := NewFrame(FrameInvoke, id, InvokeRequest{Method: method, Args: encodeArgs(args)})
	if err == nil {
		err = d.write(frame)
	}
	if err != nil {
		if cb := d.takePending(id); cb != nil {
			cb(fmt.Errorf("send %s: %w", method, err))
		}
		return
	}
	d.logger.Debug("invoke sent", zap.String("method", method), zap.String("id", id))
}

func (d *Device) takePending(id string) nfc.Callback {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	return cb
}

func (d *Device) write(frame Frame) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return d.conn.WriteJSON(frame)
}

func (d *Device) touch() {
	d.mu.Lock()
	d.lastSeen = time.Now()
	d.mu.Unlock()
}

// readLoop handles frames until the connection fails.
func (d *Device) readLoop() {
	for {
		var frame Frame
		if err := d.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Warn("connection lost", zap.Error(err))
			}
			return
		}
		d.touch()
		d.handle(frame)
	}
}

func (d *Device) handle(frame Frame) {
	switch frame.Type {
	case FrameResult:
		d.handleResult(frame)
	case FrameEvent:
		d.handleEvent(frame)
	case FrameHeartbeat:
	default:
		d.logger.Debug("unknown frame type", zap.String("type", frame.Type))
		d.sendError(fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (d *Device) handleResult(frame Frame) {
	cb := d.takePending(frame.ID)
	if cb == nil {
		d.logger.Warn("result for unknown call", zap.String("id", frame.ID))
		return
	}

	var result InvokeResult
	if err := frame.Decode(&result); err != nil {
		cb(err)
		return
	}
	if result.Error != nil {
		cb(result.Error)
		return
	}
	values, err := decodeValues(result.Results)
	if err != nil {
		cb(err)
		return
	}
	cb(nil, values...)
}

func (d *Device) handleEvent(frame Frame) {
	var msg EventMessage
	if err := frame.Decode(&msg); err != nil {
		d.sendError(err.Error())
		return
	}

	var payload any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			d.sendError(fmt.Sprintf("event %s: %v", msg.Event, err))
			return
		}
	}
	d.logger.Debug("event received", zap.String("event", string(msg.Event)))
	d.Emit(msg.Event, payload)
}

func (d *Device) sendError(message string) {
	frame, err := NewFrame(FrameError, "", ErrorMessage{Message: message})
	if err != nil {
		return
	}
	if err := d.write(frame); err != nil {
		d.logger.Debug("failed to send error frame", zap.Error(err))
	}
}

// Close disconnects the phone. Calls still in flight settle with
// ErrDeviceDisconnected.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]nfc.Callback)
	d.mu.Unlock()

	for _, cb := range pending {
		cb(ErrDeviceDisconnected)
	}
	close(d.done)

	d.writeMu.Lock()
	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	d.writeMu.Unlock()
	return d.conn.Close()
}
