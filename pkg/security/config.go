// Package security defines the TLS and mTLS configuration types shared by
// every listener and client in the system. The types carry only declarative
// settings; pkg/tlsutil turns them into *tls.Config values and pkg/acme
// handles certificate issuance when ACME mode is selected.
package security

// Config is the root security block embedded in service configuration.
type Config struct {
	TLS TLSConfig `json:"tls,omitempty"`
}

// TLSConfig groups the server and client sides of transport security.
// A process may use either side independently: the API server consumes
// Server, outbound NATS and federation connections consume Client.
type TLSConfig struct {
	Server ServerTLSConfig `json:"server,omitempty"`
	Client ClientTLSConfig `json:"client,omitempty"`
}

// ServerTLSConfig configures TLS termination for an HTTP or WebSocket
// listener. Mode selects between operator-managed certificates ("manual",
// the default) and automated issuance ("acme").
type ServerTLSConfig struct {
	Enabled    bool   `json:"enabled"`
	Mode       string `json:"mode,omitempty"` // "manual" or "acme"
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"` // "1.2" or "1.3"

	// ACME applies only when Mode is "acme".
	ACME ACMEConfig `json:"acme,omitempty"`

	// MTLS layers client certificate validation on top of either mode.
	MTLS ServerMTLSConfig `json:"mtls,omitempty"`
}

// ACMEConfig drives automated certificate issuance and renewal against an
// ACME directory. RenewBefore is a duration string; renewal starts that
// long before the certificate expires.
type ACMEConfig struct {
	Enabled       bool     `json:"enabled"`
	DirectoryURL  string   `json:"directory_url,omitempty"`
	Email         string   `json:"email,omitempty"`
	Domains       []string `json:"domains,omitempty"`
	ChallengeType string   `json:"challenge_type,omitempty"` // "http-01" or "tls-alpn-01"
	RenewBefore   string   `json:"renew_before,omitempty"`   // e.g. "8h"
	StoragePath   string   `json:"storage_path,omitempty"`
	CABundle      string   `json:"ca_bundle,omitempty"` // extra root for private ACME CAs
}

// ServerMTLSConfig controls validation of client certificates on a server
// listener. When RequireClientCert is false a certificate is verified if
// presented but connections without one are still accepted.
type ServerMTLSConfig struct {
	Enabled           bool     `json:"enabled"`
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
	AllowedClientCNs  []string `json:"allowed_client_cns,omitempty"` // empty allows any verified CN
}

// ClientTLSConfig configures the client side of a TLS connection. The
// system certificate pool is always trusted; CAFiles add roots on top of
// it rather than replacing it.
type ClientTLSConfig struct {
	Mode               string   `json:"mode,omitempty"` // "manual" or "acme"
	CAFiles            []string `json:"ca_files,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"` // never in production
	MinVersion         string   `json:"min_version,omitempty"`

	// ACME applies only when Mode is "acme".
	ACME ACMEConfig `json:"acme,omitempty"`

	// MTLS supplies the certificate this client presents to servers.
	MTLS ClientMTLSConfig `json:"mtls,omitempty"`
}

// ClientMTLSConfig names the certificate and key a client presents when a
// server demands mutual TLS.
type ClientMTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
}
