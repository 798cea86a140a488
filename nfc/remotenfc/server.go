package remotenfc

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// mDNS announcement.
const (
	MDNSServiceName = "NFC Manager"
	MDNSServiceType = "_nfc-manager._tcp"
	MDNSDomain      = "local."
	WebsocketPath   = "/ws"
)

const (
	// DefaultDeviceTimeout is how long a phone may stay silent before it is dropped.
	DefaultDeviceTimeout = 30 * time.Second
	// DefaultCleanupInterval is how often idle phones are looked for.
	DefaultCleanupInterval = 10 * time.Second

	registerWait = 10 * time.Second
)

// Server accepts phone connections. Mount it on WebsocketPath:
//
//	srv := remotenfc.NewServer(remotenfc.WithSecret(secret))
//	srv.OnDevice(func(d *remotenfc.Device) { ... })
//	http.Handle(remotenfc.WebsocketPath, srv)
type Server struct {
	name            string
	version         string
	secret          string
	secure          bool
	deviceTimeout   time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger
	upgrader        websocket.Upgrader

	mu      sync.RWMutex
	devices map[string]*Device
	hooks   []func(*Device)
	mdns    *zeroconf.Server
	closed  bool

	stop      chan struct{}
	closeOnce sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSecret requires phones to pass secret in the "secret" query parameter.
func WithSecret(secret string) ServerOption {
	return func(s *Server) { s.secret = secret }
}

// WithTLS marks the server as served over wss in its mDNS announcement.
func WithTLS(secure bool) ServerOption {
	return func(s *Server) { s.secure = secure }
}

// WithDeviceTimeout sets how long a silent phone stays registered.
func WithDeviceTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.deviceTimeout = d
		}
	}
}

// WithCleanupInterval sets how often idle phones are dropped.
func WithCleanupInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// WithServerLogger sets the logger. Defaults to a no-op logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithServerInfo sets the name and version sent to phones on registration.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// NewServer creates a Server and starts its cleanup loop.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		name:            MDNSServiceName,
		version:         ProtocolVersion,
		deviceTimeout:   DefaultDeviceTimeout,
		cleanupInterval: DefaultCleanupInterval,
		logger:          zap.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		devices: make(map[string]*Device),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("remotenfc")

	go s.cleanupLoop()
	return s
}

// OnDevice registers fn to run for every phone that completes registration.
// fn runs on the connection goroutine before any frame from the phone is handled.
func (s *Server) OnDevice(fn func(*Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Devices returns the registered phones.
func (s *Server) Devices() []*Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// Device returns the phone registered under id.
func (s *Server) Device(id string) (*Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Server) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true
	}
	got := r.URL.Query().Get("secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

// ServeHTTP upgrades the request and serves one phone until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.logger.Warn("rejected connection with invalid secret", zap.String("remote", r.RemoteAddr))
		http.Error(w, "invalid secret", http.StatusUnauthorized)
		return
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	s.logger.Debug("websocket connected", zap.String("remote", r.RemoteAddr))

	device, err := s.register(conn)
	if err != nil {
		s.logger.Warn("registration failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		if frame, ferr := NewFrame(FrameError, "", ErrorMessage{Message: err.Error()}); ferr == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteJSON(frame)
		}
		conn.Close()
		return
	}

	defer func() {
		s.remove(device)
		device.Close()
		device.logger.Info("device disconnected")
	}()
	device.readLoop()
}

func (s *Server) register(conn *websocket.Conn) (*Device, error) {
	conn.SetReadDeadline(time.Now().Add(registerWait))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("read register frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Type != FrameRegister {
		return nil, fmt.Errorf("expected %q frame, got %q", FrameRegister, frame.Type)
	}
	var req RegisterRequest
	if err := frame.Decode(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	device := newDevice(conn, req, s.logger)
	reply, err := NewFrame(FrameRegistered, frame.ID, RegisterResponse{
		DeviceID:   device.ID(),
		ServerInfo: ServerInfo{Name: s.name, Version: s.version},
	})
	if err != nil {
		return nil, err
	}
	if err := device.write(reply); err != nil {
		return nil, fmt.Errorf("send registration response: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("server closed")
	}
	s.devices[device.ID()] = device
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	device.logger.Info("device registered", zap.Int("methods", len(req.Methods)), zap.String("appVersion", req.AppVersion))
	for _, fn := range hooks {
		fn(device)
	}
	return device, nil
}

func (s *Server) remove(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[d.ID()] == d {
		delete(s.devices, d.ID())
	}
}

func (s *Server) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.dropIdle(time.Now())
		}
	}
}

// dropIdle closes phones that have been silent longer than the device timeout.
func (s *Server) dropIdle(now time.Time) {
	for _, d := range s.Devices() {
		if now.Sub(d.LastSeen()) > s.deviceTimeout {
			d.logger.Info("device timed out", zap.Duration("timeout", s.deviceTimeout))
			d.Close()
		}
	}
}

// Scheme is the websocket URL scheme phones connect with.
func (s *Server) Scheme() string {
	if s.secure {
		return "wss"
	}
	return "ws"
}

// Advertise announces the server over mDNS on port.
func (s *Server) Advertise(port int) error {
	txt := []string{
		"version=" + s.version,
		"protocol=websocket",
		"path=" + WebsocketPath,
		"scheme=" + s.Scheme(),
	}
	server, err := zeroconf.Register(s.name, MDNSServiceType, MDNSDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mu.Lock()
	if s.mdns != nil {
		s.mdns.Shutdown()
	}
	s.mdns = server
	s.mu.Unlock()

	s.logger.Info("mDNS service registered", zap.String("type", MDNSServiceType), zap.Int("port", port))
	return nil
}

// Close stops the mDNS announcement and disconnects every phone.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		s.closed = true
		mdns := s.mdns
		s.mdns = nil
		s.mu.Unlock()

		if mdns != nil {
			mdns.Shutdown()
			s.logger.Info("mDNS service stopped")
		}
		for _, d := range s.Devices() {
			d.Close()
		}
	})
	return nil
}
