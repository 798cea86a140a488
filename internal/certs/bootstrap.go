package certs

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dotside-studios/davi-nfc-manager/buildinfo"
)

// BootstrapServer serves the CA certificate over plain HTTP so phones can
// trust the agent before connecting over wss.
type BootstrapServer struct {
	manager    *Manager
	port       int
	logger     *zap.Logger
	httpServer *http.Server
}

// NewBootstrapServer creates a bootstrap server for port.
func NewBootstrapServer(manager *Manager, port int, logger *zap.Logger) *BootstrapServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BootstrapServer{manager: manager, port: port, logger: logger.Named("bootstrap")}
}

// Handler serves /ca.pem, /ca.crt and the install instructions at /.
func (s *BootstrapServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ca.pem", s.handleCACert)
	mux.HandleFunc("/ca.crt", s.handleCACert)
	mux.HandleFunc("/", s.handleInstructions)
	return mux
}

// Start listens on the port and serves in the background.
func (s *BootstrapServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on bootstrap port %d: %w", s.port, err)
	}
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	fields := []zap.Field{zap.Strings("urls", s.urls())}
	if fp, err := s.manager.CAFingerprint(); err == nil {
		fields = append(fields, zap.String("ca_sha256", fp))
	}
	s.logger.Info("CA bootstrap server running", fields...)

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bootstrap server error", zap.Error(err))
		}
	}(s.httpServer)
	return nil
}

// Stop shuts the server down.
func (s *BootstrapServer) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("bootstrap shutdown error", zap.Error(err))
	}
	s.httpServer = nil
}

// urls lists the CA download URLs for every host address.
func (s *BootstrapServer) urls() []string {
	hosts, _ := Hosts()
	urls := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h == "127.0.0.1" {
			continue
		}
		urls = append(urls, "http://"+net.JoinHostPort(h, strconv.Itoa(s.port))+"/ca.pem")
	}
	return urls
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	data, err := s.manager.CACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+buildinfo.DirName+`-ca.pem"`)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(data)

	s.logger.Info("CA certificate downloaded", zap.String("remote", r.RemoteAddr))
}

var instructions = template.Must(template.New("instructions").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>{{.App}} - Install CA Certificate</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; }
        .fingerprint { font-family: monospace; font-size: 0.75em; background: #f0f0f0; padding: 12px; word-break: break-all; }
        .steps li { margin-bottom: 12px; }
    </style>
</head>
<body>
    <h1>Install CA Certificate</h1>
    <p>To connect your phone to {{.App}} securely, install this certificate authority.</p>
    <p><a href="/ca.pem">Download CA Certificate</a></p>
    <p><strong>Verify the fingerprint</strong> matches the one in the {{.App}} logs before trusting it.</p>
    <div class="fingerprint">{{if .Fingerprint}}{{.Fingerprint}}{{else}}unavailable{{end}}</div>

    <h2>iOS</h2>
    <ol class="steps">
        <li>Tap the download link above</li>
        <li>Go to <strong>Settings, Profile Downloaded</strong> and tap <strong>Install</strong></li>
        <li>Enable trust under <strong>Settings, General, About, Certificate Trust Settings</strong></li>
    </ol>

    <h2>Android</h2>
    <ol class="steps">
        <li>Tap the download link above</li>
        <li>Go to <strong>Settings, Security, Encryption &amp; credentials</strong></li>
        <li>Tap <strong>Install a certificate, CA certificate</strong> and pick the file</li>
    </ol>

    <h2>Download URLs</h2>
    <ul>{{range .URLs}}
        <li><code>{{.}}</code></li>{{end}}
    </ul>
</body>
</html>
`))

func (s *BootstrapServer) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fp, _ := s.manager.CAFingerprint()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := instructions.Execute(w, struct {
		App         string
		Fingerprint string
		URLs        []string
	}{buildinfo.DisplayName, fp, s.urls()})
	if err != nil {
		s.logger.Warn("failed to render instructions", zap.Error(err))
	}
}
