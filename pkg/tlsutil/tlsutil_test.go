package tlsutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/pkg/security"
)

// writeCertPair generates a self-signed certificate for cn and writes the
// PEM pair into a fresh temp dir. The cert doubles as its own CA in tests.
func writeCertPair(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, cn+".crt")
	keyFile = filepath.Join(dir, cn+".key")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func parseLeaf(t *testing.T, certFile string) *x509.Certificate {
	t.Helper()
	pemBytes, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(pemBytes)
	require.NotNil(t, block)
	leaf, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return leaf
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "localhost")

	t.Run("disabled returns nil config", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("loads certificate and minimum version", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
			Enabled:    true,
			CertFile:   certFile,
			KeyFile:    keyFile,
			MinVersion: "1.3",
		})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	})

	t.Run("missing key pair fails", func(t *testing.T) {
		_, err := LoadServerTLSConfig(security.ServerTLSConfig{
			Enabled:  true,
			CertFile: certFile,
			KeyFile:  filepath.Join(t.TempDir(), "absent.key"),
		})
		require.Error(t, err)
	})
}

func TestLoadClientTLSConfig(t *testing.T) {
	caFile, _ := writeCertPair(t, "test-root")

	t.Run("defaults to system roots and TLS 1.2", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.NotNil(t, cfg.RootCAs)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.False(t, cfg.InsecureSkipVerify)
	})

	t.Run("appends extra roots from ca_files", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
			CAFiles: []string{caFile},
		})
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
	})

	t.Run("unreadable ca file fails", func(t *testing.T) {
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{
			CAFiles: []string{filepath.Join(t.TempDir(), "absent-ca.pem")},
		})
		require.Error(t, err)
	})

	t.Run("file without certificates fails", func(t *testing.T) {
		junk := filepath.Join(t.TempDir(), "junk.pem")
		require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{junk}})
		require.Error(t, err)
	})

	t.Run("insecure_skip_verify passes through", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{InsecureSkipVerify: true})
		require.NoError(t, err)
		assert.True(t, cfg.InsecureSkipVerify)
	})
}

func TestParseTLSVersion(t *testing.T) {
	tests := []struct {
		in   string
		want uint16
	}{
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
		{"1.0", tls.VersionTLS12},
		{"garbage", tls.VersionTLS12},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseTLSVersion(tt.in), "version %q", tt.in)
	}
}

func TestLoadServerTLSConfigWithMTLS(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "localhost")
	caFile, _ := writeCertPair(t, "client-root")

	base := security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}

	tests := []struct {
		name         string
		mtls         security.ServerMTLSConfig
		wantAuth     tls.ClientAuthType
		wantVerifier bool
	}{
		{
			name:     "disabled leaves client auth off",
			mtls:     security.ServerMTLSConfig{},
			wantAuth: tls.NoClientCert,
		},
		{
			name:     "optional client certificates",
			mtls:     security.ServerMTLSConfig{Enabled: true, ClientCAFiles: []string{caFile}},
			wantAuth: tls.VerifyClientCertIfGiven,
		},
		{
			name: "required client certificates",
			mtls: security.ServerMTLSConfig{
				Enabled:           true,
				ClientCAFiles:     []string{caFile},
				RequireClientCert: true,
			},
			wantAuth: tls.RequireAndVerifyClientCert,
		},
		{
			name: "common name allowlist installs verifier",
			mtls: security.ServerMTLSConfig{
				Enabled:           true,
				ClientCAFiles:     []string{caFile},
				RequireClientCert: true,
				AllowedClientCNs:  []string{"dashboard"},
			},
			wantAuth:     tls.RequireAndVerifyClientCert,
			wantVerifier: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadServerTLSConfigWithMTLS(base, tt.mtls)
			require.NoError(t, err)
			require.NotNil(t, cfg)
			assert.Equal(t, tt.wantAuth, cfg.ClientAuth)
			if tt.mtls.Enabled {
				assert.NotNil(t, cfg.ClientCAs)
			} else {
				assert.Nil(t, cfg.ClientCAs)
			}
			if tt.wantVerifier {
				assert.NotNil(t, cfg.VerifyPeerCertificate)
			} else {
				assert.Nil(t, cfg.VerifyPeerCertificate)
			}
		})
	}

	t.Run("unreadable client CA fails", func(t *testing.T) {
		_, err := LoadServerTLSConfigWithMTLS(base, security.ServerMTLSConfig{
			Enabled:       true,
			ClientCAFiles: []string{filepath.Join(t.TempDir(), "absent-ca.pem")},
		})
		require.Error(t, err)
	})
}

func TestVerifyAllowedClientCN(t *testing.T) {
	certFile, _ := writeCertPair(t, "dashboard")
	chains := [][]*x509.Certificate{{parseLeaf(t, certFile)}}

	assert.NoError(t, verifyAllowedClientCN(chains, []string{"ingest", "dashboard"}))

	err := verifyAllowedClientCN(chains, []string{"ingest"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed list")

	require.Error(t, verifyAllowedClientCN(nil, []string{"dashboard"}))
}

func TestLoadClientTLSConfigWithMTLS(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "dashboard")

	t.Run("disabled presents no certificate", func(t *testing.T) {
		cfg, err := LoadClientTLSConfigWithMTLS(
			security.ClientTLSConfig{}, security.ClientMTLSConfig{})
		require.NoError(t, err)
		assert.Empty(t, cfg.Certificates)
	})

	t.Run("enabled presents the configured certificate", func(t *testing.T) {
		cfg, err := LoadClientTLSConfigWithMTLS(
			security.ClientTLSConfig{},
			security.ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
		require.NoError(t, err)
		require.Len(t, cfg.Certificates, 1)
		assert.NotEmpty(t, cfg.Certificates[0].Certificate)
	})

	t.Run("missing key pair fails", func(t *testing.T) {
		_, err := LoadClientTLSConfigWithMTLS(
			security.ClientTLSConfig{},
			security.ClientMTLSConfig{
				Enabled:  true,
				CertFile: certFile,
				KeyFile:  filepath.Join(t.TempDir(), "absent.key"),
			})
		require.Error(t, err)
	})
}

// The ACME entry points must behave exactly like the manual loaders until
// mode is "acme" AND issuance is enabled, and the returned stop func must be
// callable even though no renewal loop runs.
func TestLoadServerTLSConfigWithACME_ManualPaths(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "localhost")

	tests := []struct {
		name string
		cfg  security.ServerTLSConfig
	}{
		{
			name: "empty mode behaves as manual",
			cfg:  security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
		},
		{
			name: "explicit manual mode",
			cfg: security.ServerTLSConfig{
				Enabled: true, Mode: "manual", CertFile: certFile, KeyFile: keyFile,
			},
		},
		{
			name: "acme mode with issuance disabled",
			cfg: security.ServerTLSConfig{
				Enabled: true, Mode: "acme", CertFile: certFile, KeyFile: keyFile,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, stop, err := LoadServerTLSConfigWithACME(context.Background(), tt.cfg)
			require.NoError(t, err)
			require.NotNil(t, cfg)
			require.NotNil(t, stop)
			stop()
			assert.Len(t, cfg.Certificates, 1)
		})
	}
}

func TestLoadClientTLSConfigWithACME_ManualPath(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "dashboard")

	cfg, stop, err := LoadClientTLSConfigWithACME(context.Background(), security.ClientTLSConfig{
		MTLS: security.ClientMTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
	})
	require.NoError(t, err)
	require.NotNil(t, stop)
	stop()
	assert.Len(t, cfg.Certificates, 1)
}
