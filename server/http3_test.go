package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teilomillet/rephrase/config"
	"github.com/teilomillet/rephrase/server/handlers"
	"github.com/teilomillet/rephrase/server/mocks"
)

// generateTestCerts writes a self-signed certificate for localhost.
func generateTestCerts(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func TestHTTP3Server(t *testing.T) {
	certFile, keyFile := generateTestCerts(t)
	port := freeUDPPort(t)

	cfg := testConfig()
	cfg.Server.HTTP3 = &config.HTTP3Config{
		Enabled:                    true,
		Port:                       port,
		TLSCertFile:                certFile,
		TLSKeyFile:                 keyFile,
		IdleTimeout:                30 * time.Second,
		MaxBiStreamsConcurrent:     100,
		MaxUniStreamsConcurrent:    100,
		MaxStreamReceiveWindow:     6 * 1024 * 1024,
		MaxConnectionReceiveWindow: 15 * 1024 * 1024,
	}
	r := startServer(t, cfg, mocks.NewMockProvider("openai", "over ", "quic"))

	transport := &http3.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		QUICConfig:      &quic.Config{MaxIdleTimeout: 10 * time.Second},
	}
	defer transport.Close()
	client := &http.Client{Transport: transport, Timeout: 10 * time.Second}
	base := fmt.Sprintf("https://localhost:%d", port)

	t.Run("Alt-Svc on HTTP/1", func(t *testing.T) {
		resp, err := http.Get(r.url + "/health")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Contains(t, resp.Header.Get("Alt-Svc"), fmt.Sprintf(`h3=":%d"`, port))
	})

	t.Run("health", func(t *testing.T) {
		// The QUIC listener binds asynchronously.
		require.Eventually(t, func() bool {
			resp, err := client.Get(base + "/health")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK && resp.ProtoMajor == 3
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("process stream", func(t *testing.T) {
		resp, err := client.Post(base+"/api/process", "application/json", strings.NewReader(processBody))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "gpt-4o-mini", resp.Header.Get(handlers.HeaderModel))
		assert.Equal(t, "over quic", readAll(t, resp))
	})
}
