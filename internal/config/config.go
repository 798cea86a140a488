// Package config loads the agent configuration from NFC_* environment
// variables and command line flags. Flags win over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/dotside-studios/davi-nfc-manager/buildinfo"
	"github.com/dotside-studios/davi-nfc-manager/internal/logging"
)

// Drivers.
const (
	DriverLibnfc = "libnfc"
	DriverPCSC   = "pcsc"
	DriverRemote = "remote"
)

// Config is the agent configuration.
type Config struct {
	// Driver selects the native module: libnfc, pcsc or remote.
	Driver string `env:"NFC_DRIVER,default=libnfc"`
	// Device is a libnfc connstring or PC/SC reader name. Empty picks the first one found.
	Device string `env:"NFC_DEVICE"`
	// Port is where the remote driver accepts phones.
	Port      int    `env:"NFC_PORT,default=18080"`
	APISecret string `env:"NFC_API_SECRET"`
	MDNS      bool   `env:"NFC_MDNS,default=true"`

	DeviceTimeout time.Duration `env:"NFC_DEVICE_TIMEOUT,default=30s"`
	PollInterval  time.Duration `env:"NFC_POLL_INTERVAL,default=250ms"`

	CLI     bool `env:"NFC_CLI,default=false"`
	Version bool

	TLS TLS
	Log Log
}

// TLS is the wss section of Config. It only applies to the remote driver.
type TLS struct {
	Enable bool `env:"NFC_TLS,default=false"`
	// BootstrapPort serves the CA certificate over plain HTTP.
	BootstrapPort int `env:"NFC_TLS_BOOTSTRAP_PORT,default=18081"`
	// Dir holds the CA and server certificate. Empty means the user config directory.
	Dir string `env:"NFC_TLS_DIR"`
}

// Log is the logging section of Config.
type Log struct {
	Level  string `env:"NFC_LOG_LEVEL,default=info"`
	Format string `env:"NFC_LOG_FORMAT,default=console"`
	// Outputs is a comma separated list of stdout, stderr, file or paths.
	Outputs string `env:"NFC_LOG_OUTPUTS,default=stderr"`
	Rotate  bool   `env:"NFC_LOG_ROTATE,default=false"`
}

// Load reads the environment, then applies flags from args (without the program name).
func Load(args []string) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	fs := flag.NewFlagSet(buildinfo.Name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "NFC driver: libnfc, pcsc or remote")
	fs.StringVar(&cfg.Device, "device", cfg.Device, "Reader connstring or name (optional)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to accept companion phones on")
	fs.StringVar(&cfg.APISecret, "api-secret", cfg.APISecret, "Secret phones must present (optional)")
	fs.BoolVar(&cfg.TLS.Enable, "tls", cfg.TLS.Enable, "Serve phones over wss with a locally trusted certificate")
	fs.BoolVar(&cfg.CLI, "cli", cfg.CLI, "Run in CLI mode (default: system tray mode)")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level: debug, info, warn or error")
	fs.BoolVar(&cfg.Version, "version", false, "Print build information and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the driver, ports and logging settings.
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverLibnfc, DriverPCSC, DriverRemote:
	default:
		return fmt.Errorf("unknown driver %q (want %s, %s or %s)", c.Driver, DriverLibnfc, DriverPCSC, DriverRemote)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TLS.Enable {
		if c.TLS.BootstrapPort <= 0 || c.TLS.BootstrapPort > 65535 {
			return fmt.Errorf("bootstrap port %d out of range", c.TLS.BootstrapPort)
		}
		if c.TLS.BootstrapPort == c.Port {
			return fmt.Errorf("bootstrap port %d is also the phone port", c.TLS.BootstrapPort)
		}
	}
	if c.DeviceTimeout <= 0 {
		return fmt.Errorf("device timeout must be positive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// TLSDir returns the certificate directory.
func (c *Config) TLSDir() string {
	if c.TLS.Dir != "" {
		return c.TLS.Dir
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// Logging converts the log section into a logging.Config. The "file" output
// maps to the default log file.
func (c *Config) Logging() logging.Config {
	var outputs []string
	for _, out := range strings.Split(c.Log.Outputs, ",") {
		out = strings.TrimSpace(out)
		switch out {
		case "":
			continue
		case "file":
			out = logging.DefaultFile(buildinfo.DirName)
		}
		outputs = append(outputs, out)
	}
	return logging.Config{
		Level:       c.Log.Level,
		Format:      c.Log.Format,
		Outputs:     outputs,
		Development: buildinfo.IsDev() && c.Log.Level == "debug",
		Rotation:    logging.Rotation{Enable: c.Log.Rotate},
	}
}
