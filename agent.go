package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/buildinfo"
	"github.com/dotside-studios/davi-nfc-manager/internal/certs"
	"github.com/dotside-studios/davi-nfc-manager/internal/config"
	"github.com/dotside-studios/davi-nfc-manager/nfc"
	"github.com/dotside-studios/davi-nfc-manager/nfc/hostnfc"
	"github.com/dotside-studios/davi-nfc-manager/nfc/remotenfc"
)

// localDevice is the manager key of the host reader.
const localDevice = "local"

var (
	ErrNotRunning = errors.New("agent is not running")
	ErrNoDevice   = errors.New("no NFC device connected")
)

// Status is a snapshot of the agent for display.
type Status struct {
	Running   bool
	Driver    string
	Device    string
	Address   string
	Scheme    string
	Listening bool
	Devices   []string
	LastTag   *nfc.Tag
	LastTagAt time.Time
}

// Agent owns the configured driver and one nfc.Manager per NFC device:
// the host reader, or every phone connected to the remote server.
type Agent struct {
	cfg    *config.Config
	logger *zap.Logger

	// openReader opens host readers; replaced in tests.
	openReader func(driver, device string) (hostnfc.Reader, error)

	mu         sync.Mutex
	running    bool
	module     *hostnfc.Module
	server     *remotenfc.Server
	httpServer *http.Server
	bootstrap  *certs.BootstrapServer
	addr       string
	managers   map[string]*nfc.Manager
	names      map[string]string
	primary    string
	listening  bool
	lastTag    *nfc.Tag
	lastTagAt  time.Time
}

// NewAgent creates a stopped agent.
func NewAgent(cfg *config.Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		cfg:        cfg,
		logger:     logger.Named("agent"),
		openReader: openReader,
		managers:   make(map[string]*nfc.Manager),
		names:      make(map[string]string),
	}
}

func openReader(driver, device string) (hostnfc.Reader, error) {
	switch driver {
	case config.DriverLibnfc:
		return hostnfc.OpenLibnfc(device)
	case config.DriverPCSC:
		return hostnfc.OpenPCSC(device)
	}
	return nil, fmt.Errorf("driver %q has no host reader", driver)
}

// Start opens the configured driver.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent is already running")
	}

	var err error
	switch a.cfg.Driver {
	case config.DriverRemote:
		err = a.startRemoteLocked()
	default:
		err = a.startHostLocked()
	}
	if err != nil {
		a.logger.Error("failed to start agent", zap.String("driver", a.cfg.Driver), zap.Error(err))
		return err
	}
	a.running = true
	a.logger.Info("agent started", zap.String("driver", a.cfg.Driver))
	return nil
}

func (a *Agent) startHostLocked() error {
	reader, err := a.openReader(a.cfg.Driver, a.cfg.Device)
	if err != nil {
		return err
	}
	a.module = hostnfc.NewModule(reader,
		hostnfc.WithLogger(a.logger),
		hostnfc.WithPollInterval(a.cfg.PollInterval),
	)
	mgr, err := nfc.NewManager(a.module, a.module, nfc.WithLogger(a.logger))
	if err != nil {
		a.module.Close()
		a.module = nil
		return err
	}
	a.addManagerLocked(localDevice, reader.String(), mgr)
	return nil
}

func (a *Agent) startRemoteLocked() error {
	var certFile, keyFile string
	if a.cfg.TLS.Enable {
		manager := certs.NewManager(a.cfg.TLSDir(), a.logger)
		var err error
		if certFile, keyFile, err = manager.EnsureCertificates(); err != nil {
			return fmt.Errorf("prepare certificates: %w", err)
		}
		a.bootstrap = certs.NewBootstrapServer(manager, a.cfg.TLS.BootstrapPort, a.logger)
		if err := a.bootstrap.Start(); err != nil {
			a.bootstrap = nil
			return err
		}
	}

	a.server = remotenfc.NewServer(
		remotenfc.WithSecret(a.cfg.APISecret),
		remotenfc.WithTLS(a.cfg.TLS.Enable),
		remotenfc.WithDeviceTimeout(a.cfg.DeviceTimeout),
		remotenfc.WithServerLogger(a.logger),
		remotenfc.WithServerInfo(buildinfo.DisplayName, buildinfo.Version),
	)
	a.server.OnDevice(a.addPhone)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Port))
	if err != nil {
		a.server.Close()
		a.server = nil
		if a.bootstrap != nil {
			a.bootstrap.Stop()
			a.bootstrap = nil
		}
		return fmt.Errorf("listen on port %d: %w", a.cfg.Port, err)
	}
	a.addr = ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle(remotenfc.WebsocketPath, a.server)
	a.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func(srv *http.Server) {
		var err error
		if certFile != "" {
			err = srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("server error", zap.Error(err))
		}
	}(a.httpServer)

	if a.cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		if err := a.server.Advertise(port); err != nil {
			// phones can still connect by address
			a.logger.Warn("mDNS announcement failed", zap.Error(err))
		}
	}
	a.logger.Info("waiting for phones", zap.String("addr", a.addr), zap.String("scheme", a.server.Scheme()), zap.String("path", remotenfc.WebsocketPath))
	return nil
}

// addPhone builds a manager for a newly registered phone and forgets it on disconnect.
func (a *Agent) addPhone(d *remotenfc.Device) {
	mgr, err := nfc.NewManager(d, d, nfc.WithLogger(a.logger))
	if err != nil {
		a.logger.Error("failed to create manager", zap.String("device", d.String()), zap.Error(err))
		d.Close()
		return
	}

	a.mu.Lock()
	a.addManagerLocked(d.ID(), d.String(), mgr)
	a.mu.Unlock()

	go func() {
		<-d.Done()
		a.removeManager(d.ID())
	}()
}

func (a *Agent) addManagerLocked(id, name string, mgr *nfc.Manager) {
	logger := a.logger.With(zap.String("device", name))

	mgr.SetEventListener(nfc.EventDiscoverTag, func(payload any) {
		tag, err := nfc.DecodeTag(payload)
		if err != nil {
			logger.Warn("undecodable tag event", zap.Error(err))
			return
		}
		logger.Info("tag discovered", zap.String("uid", tag.ID), zap.Strings("techs", tag.TechTypes))
		a.recordTag(tag)
	})
	switch mgr.Platform() {
	case nfc.PlatformIOS:
		mgr.SetEventListener(nfc.EventSessionClosed, func(payload any) {
			logger.Info("session closed", zap.Any("error", payload))
			a.mu.Lock()
			if a.primary == id {
				a.listening = false
			}
			a.mu.Unlock()
		})
	default:
		mgr.SetEventListener(nfc.EventStateChanged, func(payload any) {
			logger.Info("adapter state changed", zap.Any("state", payload))
		})
	}

	a.managers[id] = mgr
	a.names[id] = name
	a.primary = id
}

func (a *Agent) removeManager(id string) {
	a.mu.Lock()
	mgr, ok := a.managers[id]
	delete(a.managers, id)
	delete(a.names, id)
	if a.primary == id {
		a.primary = ""
		a.listening = false
		for other := range a.managers {
			a.primary = other
			break
		}
	}
	a.mu.Unlock()

	if ok {
		mgr.Close()
		a.logger.Info("device removed", zap.String("device", id))
	}
}

func (a *Agent) recordTag(tag *nfc.Tag) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTag = tag
	a.lastTagAt = time.Now()
}

// Stop closes every manager and the driver.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.logger.Debug("agent is not running")
		return
	}
	a.running = false
	a.listening = false
	managers := a.managers
	a.managers = make(map[string]*nfc.Manager)
	a.names = make(map[string]string)
	a.primary = ""
	module, server, httpServer, bootstrap := a.module, a.server, a.httpServer, a.bootstrap
	a.module, a.server, a.httpServer, a.bootstrap, a.addr = nil, nil, nil, nil, ""
	a.mu.Unlock()

	a.logger.Info("stopping agent")
	for _, mgr := range managers {
		mgr.Close()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("server shutdown error", zap.Error(err))
		}
		cancel()
	}
	if server != nil {
		server.Close()
	}
	if bootstrap != nil {
		bootstrap.Stop()
	}
	if module != nil {
		if err := module.Close(); err != nil {
			a.logger.Warn("reader close error", zap.Error(err))
		}
	}
	a.logger.Info("agent stopped")
}

// manager returns the manager actions apply to: the host reader, or the most
// recently connected phone.
func (a *Agent) manager() (*nfc.Manager, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil, ErrNotRunning
	}
	mgr, ok := a.managers[a.primary]
	if !ok {
		return nil, ErrNoDevice
	}
	return mgr, nil
}

// Listen opens a listening session; discovered tags are logged and recorded.
func (a *Agent) Listen(ctx context.Context) error {
	mgr, err := a.manager()
	if err != nil {
		return err
	}
	if err := mgr.RegisterTagEvent(ctx, nfc.WithAlertMessage("Hold a tag near the device")); err != nil {
		return err
	}
	a.mu.Lock()
	a.listening = true
	a.mu.Unlock()
	return nil
}

// StopListening closes the listening session.
func (a *Agent) StopListening(ctx context.Context) error {
	mgr, err := a.manager()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.listening = false
	a.mu.Unlock()
	return mgr.UnregisterTagEvent(ctx)
}

// ReadTagOnce claims one of techs, reads the tag and releases it again.
func (a *Agent) ReadTagOnce(ctx context.Context, techs []nfc.Tech) (*nfc.Tag, error) {
	mgr, err := a.manager()
	if err != nil {
		return nil, err
	}

	// a failed or timed out request still holds the implicit session
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.CancelTechnologyRequest(cctx); err != nil {
			a.logger.Warn("failed to release technology", zap.Error(err))
		}
	}()
	tech, err := mgr.RequestTechnology(ctx, techs)
	if err != nil {
		return nil, fmt.Errorf("request technology: %w", err)
	}

	tag, err := mgr.GetTag(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	if tag == nil {
		return nil, errors.New("tag left the field")
	}
	a.logger.Info("tag read", zap.String("uid", tag.ID), zap.String("tech", string(tech)))
	a.recordTag(tag)
	return tag, nil
}

// Addr returns the address the remote server listens on.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Status returns a snapshot of the agent state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{
		Running:   a.running,
		Driver:    a.cfg.Driver,
		Address:   a.addr,
		Listening: a.listening,
		LastTag:   a.lastTag,
		LastTagAt: a.lastTagAt,
	}
	if a.server != nil {
		s.Scheme = a.server.Scheme()
	}
	s.Device = a.names[a.primary]
	for _, name := range a.names {
		s.Devices = append(s.Devices, name)
	}
	sort.Strings(s.Devices)
	return s
}
