// Package certs issues the certificate the remote driver serves phones with.
// A local CA is created and installed into the system trust store through
// truststore; phones fetch the CA from the bootstrap server.
package certs

import (
	"bufio"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
	"go.uber.org/zap"
)

// Manager keeps the server certificate in dir and reissues it when the LAN
// addresses of the host change.
type Manager struct {
	dir       string
	caDir     string
	caCert    string
	certFile  string
	keyFile   string
	hostsFile string
	logger    *zap.Logger

	// hosts and issue are replaced in tests.
	hosts func() ([]string, error)
	issue func(hosts []string) error
}

// NewManager creates a manager storing its files under dir.
func NewManager(dir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsDir := filepath.Join(dir, "tls")
	caDir := filepath.Join(dir, "ca")
	m := &Manager{
		dir:       tlsDir,
		caDir:     caDir,
		caCert:    filepath.Join(caDir, "rootCA.pem"),
		certFile:  filepath.Join(tlsDir, "server.crt"),
		keyFile:   filepath.Join(tlsDir, "server.key"),
		hostsFile: filepath.Join(tlsDir, "hosts.txt"),
		logger:    logger.Named("certs"),
		hosts:     Hosts,
	}
	m.issue = m.generate
	return m
}

// EnsureCertificates returns the certificate and key files, issuing them
// first when missing or when the host addresses changed. Installing the CA
// may prompt for the user's password.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create tls directory: %w", err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.logger.Warn("failed to list LAN addresses", zap.Error(err))
		hosts = []string{"localhost", "127.0.0.1"}
	}

	switch {
	case !m.exists():
		m.logger.Info("certificate not found, issuing", zap.Strings("hosts", hosts))
	case m.hostsChanged(hosts):
		m.logger.Info("network changed, reissuing certificate", zap.Strings("hosts", hosts))
	default:
		m.logger.Debug("using existing certificate", zap.String("cert", m.certFile))
		return m.certFile, m.keyFile, nil
	}

	if err := m.issue(hosts); err != nil {
		return "", "", err
	}
	if err := m.writeHosts(hosts); err != nil {
		m.logger.Warn("failed to cache hosts", zap.Error(err))
	}
	if fp, err := m.CAFingerprint(); err == nil {
		m.logger.Info("certificate issued", zap.String("cert", m.certFile), zap.String("ca_sha256", fp))
	}
	return m.certFile, m.keyFile, nil
}

func (m *Manager) exists() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readHosts()
	if err != nil {
		return true
	}
	a, b := slices.Clone(cached), slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if h := strings.TrimSpace(scanner.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

// generate creates the CA if needed, installs it and issues the server certificate.
func (m *Manager) generate(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("create CA directory: %w", err)
	}
	// truststore keeps its CA in CAROOT
	os.Setenv("CAROOT", m.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("initialize truststore: %w", err)
	}
	m.logger.Info("installing CA into the system trust store (you may be prompted for your password)")
	if err := lib.Install(); err != nil {
		return fmt.Errorf("install CA: %w", err)
	}

	cert, err := lib.MakeCert(hosts, m.dir)
	if err != nil {
		return fmt.Errorf("issue certificate: %w", err)
	}
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("rename certificate: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("rename key: %w", err)
		}
	}
	return nil
}

// CACert returns the CA certificate in PEM form.
func (m *Manager) CACert() ([]byte, error) {
	return os.ReadFile(m.caCert)
}

// CAFingerprint returns the SHA-256 fingerprint of the CA as colon separated hex.
func (m *Manager) CAFingerprint() (string, error) {
	data, err := m.CACert()
	if err != nil {
		return "", fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", errors.New("CA certificate is not PEM encoded")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse CA certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// LANAddrs returns the IPv4 addresses of the up, non-loopback interfaces.
func LANAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				ips = append(ips, ip.String())
			}
		}
	}
	return ips, nil
}

// Hosts returns localhost and the LAN addresses, the names the certificate covers.
func Hosts() ([]string, error) {
	hosts := []string{"localhost", "127.0.0.1"}
	lan, err := LANAddrs()
	if err != nil {
		return hosts, err
	}
	return append(hosts, lan...), nil
}
