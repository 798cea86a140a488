package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestManager returns a manager whose issuer writes placeholder files and
// counts how often it ran.
func newTestManager(t *testing.T, hosts ...string) (*Manager, *int) {
	t.Helper()
	m := NewManager(t.TempDir(), zaptest.NewLogger(t))
	m.hosts = func() ([]string, error) { return hosts, nil }
	issued := 0
	m.issue = func([]string) error {
		issued++
		require.NoError(t, os.WriteFile(m.certFile, []byte("cert"), 0o600))
		require.NoError(t, os.WriteFile(m.keyFile, []byte("key"), 0o600))
		return nil
	}
	return m, &issued
}

// writeCA stores a self-signed CA where the manager expects it and returns
// its DER bytes.
func writeCA(t *testing.T, m *Manager) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Dir(m.caCert), 0o700))
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(m.caCert, data, 0o600))
	return der
}

func TestNewManager(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil)

	assert.Equal(t, filepath.Join(dir, "tls", "server.crt"), m.certFile)
	assert.Equal(t, filepath.Join(dir, "tls", "server.key"), m.keyFile)
	assert.Equal(t, filepath.Join(dir, "ca", "rootCA.pem"), m.caCert)
}

func TestManager_HostsChanged(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, os.MkdirAll(m.dir, 0o700))

	assert.True(t, m.hostsChanged([]string{"localhost"}), "nothing cached")

	require.NoError(t, m.writeHosts([]string{"localhost", "127.0.0.1"}))
	assert.False(t, m.hostsChanged([]string{"localhost", "127.0.0.1"}))
	assert.False(t, m.hostsChanged([]string{"127.0.0.1", "localhost"}), "order does not matter")
	assert.True(t, m.hostsChanged([]string{"localhost", "127.0.0.1", "192.168.1.20"}))
	assert.True(t, m.hostsChanged([]string{"localhost", "10.0.0.2"}))
}

func TestManager_EnsureCertificates(t *testing.T) {
	m, issued := newTestManager(t, "localhost", "127.0.0.1", "192.168.1.20")

	cert, key, err := m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, m.certFile, cert)
	assert.Equal(t, m.keyFile, key)
	assert.Equal(t, 1, *issued)

	_, _, err = m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, 1, *issued, "unchanged hosts reuse the certificate")

	m.hosts = func() ([]string, error) { return []string{"localhost", "127.0.0.1", "10.0.0.7"}, nil }
	_, _, err = m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, 2, *issued, "new address reissues")

	os.Remove(m.keyFile)
	_, _, err = m.EnsureCertificates()
	require.NoError(t, err)
	assert.Equal(t, 3, *issued, "missing key reissues")
}

func TestManager_EnsureCertificatesIssueError(t *testing.T) {
	m, _ := newTestManager(t, "localhost")
	m.issue = func([]string) error { return fmt.Errorf("install CA: denied") }

	_, _, err := m.EnsureCertificates()
	assert.ErrorContains(t, err, "denied")
}

func TestManager_CAFingerprint(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.CAFingerprint()
	assert.Error(t, err, "no CA yet")

	der := writeCA(t, m)
	fp, err := m.CAFingerprint()
	require.NoError(t, err)

	sum := sha256.Sum256(der)
	assert.Equal(t, fmt.Sprintf("%02X", sum[0]), fp[:2])
	assert.Len(t, strings.Split(fp, ":"), 32)

	require.NoError(t, os.WriteFile(m.caCert, []byte("not pem"), 0o600))
	_, err = m.CAFingerprint()
	assert.Error(t, err)
}

func TestHosts(t *testing.T) {
	hosts, err := Hosts()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(hosts), 2)
	assert.Equal(t, []string{"localhost", "127.0.0.1"}, hosts[:2])
}

func TestBootstrapServer(t *testing.T) {
	m, _ := newTestManager(t)
	srv := httptest.NewServer(NewBootstrapServer(m, 18081, zaptest.NewLogger(t)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ca.pem")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no CA yet")

	writeCA(t, m)
	fp, err := m.CAFingerprint()
	require.NoError(t, err)

	tests := []struct {
		path   string
		status int
		ctype  string
		body   string
	}{
		{"/ca.pem", http.StatusOK, "application/x-pem-file", "BEGIN CERTIFICATE"},
		{"/ca.crt", http.StatusOK, "application/x-pem-file", "BEGIN CERTIFICATE"},
		{"/", http.StatusOK, "text/html; charset=utf-8", fp},
		{"/favicon.ico", http.StatusNotFound, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.ctype != "" {
				assert.Equal(t, tt.ctype, resp.Header.Get("Content-Type"))
			}
			var body strings.Builder
			_, err = io.Copy(&body, resp.Body)
			require.NoError(t, err)
			assert.Contains(t, body.String(), tt.body)
		})
	}
}
