package tlsutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/lattice/pkg/security"
)

// TestMutualTLSHandshake drives live handshakes against an HTTPS server for
// every client auth policy. Client certs are self-signed, so the server
// trusts each test client by listing its own cert as the client CA.
func TestMutualTLSHandshake(t *testing.T) {
	tests := []struct {
		name        string
		requireCert bool
		allowedCNs  []string
		clientCN    string // empty means the client presents no certificate
		wantErr     bool
		wantBody    string
	}{
		{
			name:        "required and presented",
			requireCert: true,
			clientCN:    "ingest",
			wantBody:    "cert",
		},
		{
			name:        "required and withheld",
			requireCert: true,
			wantErr:     true,
		},
		{
			name:     "optional and presented",
			clientCN: "ingest",
			wantBody: "cert",
		},
		{
			name:     "optional and withheld",
			wantBody: "anon",
		},
		{
			name:        "allowlisted common name",
			requireCert: true,
			allowedCNs:  []string{"ingest", "dashboard"},
			clientCN:    "ingest",
			wantBody:    "cert",
		},
		{
			name:        "common name outside allowlist",
			requireCert: true,
			allowedCNs:  []string{"dashboard"},
			clientCN:    "rogue",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverCert, serverKey := writeCertPair(t, "localhost")

			clientMTLS := security.ClientMTLSConfig{}
			var clientCAs []string
			if tt.clientCN != "" {
				clientCert, clientKey := writeCertPair(t, tt.clientCN)
				clientCAs = []string{clientCert}
				clientMTLS = security.ClientMTLSConfig{
					Enabled: true, CertFile: clientCert, KeyFile: clientKey,
				}
			} else {
				anchor, _ := writeCertPair(t, "unused-root")
				clientCAs = []string{anchor}
			}

			serverTLS, err := LoadServerTLSConfigWithMTLS(
				security.ServerTLSConfig{Enabled: true, CertFile: serverCert, KeyFile: serverKey},
				security.ServerMTLSConfig{
					Enabled:           true,
					ClientCAFiles:     clientCAs,
					RequireClientCert: tt.requireCert,
					AllowedClientCNs:  tt.allowedCNs,
				})
			require.NoError(t, err)

			clientTLS, err := LoadClientTLSConfigWithMTLS(
				security.ClientTLSConfig{InsecureSkipVerify: true}, clientMTLS)
			require.NoError(t, err)

			server := httptest.NewUnstartedServer(http.HandlerFunc(
				func(w http.ResponseWriter, r *http.Request) {
					if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
						_, _ = w.Write([]byte("cert"))
						return
					}
					_, _ = w.Write([]byte("anon"))
				}))
			server.TLS = serverTLS
			server.StartTLS()
			defer server.Close()

			client := &http.Client{
				Timeout:   5 * time.Second,
				Transport: &http.Transport{TLSClientConfig: clientTLS},
			}

			resp, err := client.Get(server.URL)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorContains(t, err, "tls")
				return
			}
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(body))
		})
	}
}

// Plain server TLS with no client auth must keep serving anonymous clients.
func TestManualTLSWithoutClientAuth(t *testing.T) {
	certFile, keyFile := writeCertPair(t, "localhost")

	serverTLS, err := LoadServerTLSConfigWithMTLS(
		security.ServerTLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile},
		security.ServerMTLSConfig{})
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok"))
		}))
	server.TLS = serverTLS
	server.StartTLS()
	defer server.Close()

	clientTLS, err := LoadClientTLSConfig(security.ClientTLSConfig{InsecureSkipVerify: true})
	require.NoError(t, err)

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: clientTLS},
	}
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}
