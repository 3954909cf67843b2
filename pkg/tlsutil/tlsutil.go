// Package tlsutil builds *tls.Config values from the declarative types in
// pkg/security. Servers get manual certificates, ACME-issued certificates
// with background renewal, or either combined with client cert validation.
// Clients always trust the system roots and may layer extra CAs and a
// presented certificate on top.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/latticeworks/lattice/errors"
	"github.com/latticeworks/lattice/pkg/acme"
	"github.com/latticeworks/lattice/pkg/security"
)

// LoadServerTLSConfig loads the manual certificate named by cfg. A disabled
// config yields (nil, nil) so callers can pass the result straight to
// http.Server.TLSConfig.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}, nil
}

// LoadServerTLSConfigWithMTLS extends LoadServerTLSConfig with client
// certificate validation when mtlsCfg is enabled.
func LoadServerTLSConfigWithMTLS(cfg security.ServerTLSConfig, mtlsCfg security.ServerMTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadServerTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !mtlsCfg.Enabled {
		return tlsConfig, nil
	}
	if err := applyMTLSConfig(tlsConfig, mtlsCfg); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

// LoadClientTLSConfig builds the client side. The system pool is always the
// base; CAFiles add roots, never replace them.
func LoadClientTLSConfig(cfg security.ClientTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, caFile := range cfg.CAFiles {
		if err := appendPEMRoots(rootCAs, caFile); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig",
				fmt.Sprintf("add CA roots from %s", caFile))
		}
	}
	tlsConfig.RootCAs = rootCAs

	// Operator opt-in; config validation warns about it elsewhere.
	if cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	return tlsConfig, nil
}

// LoadClientTLSConfigWithMTLS extends LoadClientTLSConfig with the
// certificate this client presents when a server demands one.
func LoadClientTLSConfigWithMTLS(cfg security.ClientTLSConfig, mtlsCfg security.ClientMTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !mtlsCfg.Enabled {
		return tlsConfig, nil
	}

	clientCert, err := tls.LoadX509KeyPair(mtlsCfg.CertFile, mtlsCfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfigWithMTLS",
			"load client certificate")
	}
	tlsConfig.Certificates = []tls.Certificate{clientCert}
	return tlsConfig, nil
}

func appendPEMRoots(pool *x509.CertPool, caFile string) error {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("no certificates found in %s", caFile)
	}
	return nil
}

func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg security.ServerMTLSConfig) error {
	clientCAs := x509.NewCertPool()
	for _, caFile := range mtlsCfg.ClientCAFiles {
		if err := appendPEMRoots(clientCAs, caFile); err != nil {
			return errors.WrapFatal(err, "tlsutil", "applyMTLSConfig",
				fmt.Sprintf("add client CA roots from %s", caFile))
		}
	}
	tlsConfig.ClientCAs = clientCAs

	if mtlsCfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		tlsConfig.VerifyPeerCertificate = func(_ [][]byte, verifiedChains [][]*x509.Certificate) error {
			return verifyAllowedClientCN(verifiedChains, mtlsCfg.AllowedClientCNs)
		}
	}
	return nil
}

// verifyAllowedClientCN runs after chain validation, so the leaf of the
// first verified chain is the client certificate.
func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leaf := chains[0][0]
	for _, cn := range allowedCNs {
		if leaf.Subject.CommonName == cn {
			return nil
		}
	}
	return fmt.Errorf("client certificate CN '%s' not in allowed list", leaf.Subject.CommonName)
}

// parseTLSVersion maps the two accepted config strings onto crypto/tls
// constants. Anything else, including empty, means TLS 1.2.
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// LoadServerTLSConfigWithACME is the full server entry point. In manual mode
// it defers to LoadServerTLSConfigWithMTLS. In ACME mode it obtains or renews
// a certificate, starts a background renewal loop, and returns a stop func
// that halts the loop. When issuance fails and manual cert files are also
// configured, those serve as the fallback.
func LoadServerTLSConfigWithACME(ctx context.Context, cfg security.ServerTLSConfig) (*tls.Config, func(), error) {
	if cfg.Mode != "acme" || !cfg.ACME.Enabled {
		tlsConfig, err := LoadServerTLSConfigWithMTLS(cfg, cfg.MTLS)
		return tlsConfig, func() {}, err
	}

	manualFallback := func(cause string) (*tls.Config, func(), error) {
		tlsConfig, err := LoadServerTLSConfigWithMTLS(cfg, cfg.MTLS)
		if err != nil {
			return nil, nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfigWithACME", cause)
		}
		return tlsConfig, func() {}, nil
	}
	hasManualCerts := cfg.CertFile != "" && cfg.KeyFile != ""

	acmeClient, err := initACMEClient(cfg.ACME)
	if err != nil {
		if hasManualCerts {
			return manualFallback("fallback to manual TLS failed")
		}
		return nil, nil, err
	}

	cert, err := obtainOrRenew(ctx, acmeClient)
	if err != nil {
		if hasManualCerts {
			return manualFallback("fallback to manual TLS after ACME failure")
		}
		return nil, nil, errors.WrapTransient(err, "tlsutil", "LoadServerTLSConfigWithACME",
			"obtain ACME certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}
	if cfg.MTLS.Enabled {
		if err := applyMTLSConfig(tlsConfig, cfg.MTLS); err != nil {
			return nil, nil, err
		}
	}

	return tlsConfig, startRenewalLoop(ctx, acmeClient, tlsConfig), nil
}

// LoadClientTLSConfigWithACME is the client analogue: in ACME mode the
// presented certificate comes from the ACME client instead of local files,
// with manual mTLS files as the fallback when issuance fails.
func LoadClientTLSConfigWithACME(ctx context.Context, cfg security.ClientTLSConfig) (*tls.Config, func(), error) {
	if cfg.Mode != "acme" || !cfg.ACME.Enabled {
		tlsConfig, err := LoadClientTLSConfigWithMTLS(cfg, cfg.MTLS)
		return tlsConfig, func() {}, err
	}

	tlsConfig, err := LoadClientTLSConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	manualFallback := func(cause string) (*tls.Config, func(), error) {
		tlsConfig, err := LoadClientTLSConfigWithMTLS(cfg, cfg.MTLS)
		if err != nil {
			return nil, nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfigWithACME", cause)
		}
		return tlsConfig, func() {}, nil
	}
	hasManualCerts := cfg.MTLS.Enabled && cfg.MTLS.CertFile != "" && cfg.MTLS.KeyFile != ""

	acmeClient, err := initACMEClient(cfg.ACME)
	if err != nil {
		if hasManualCerts {
			return manualFallback("fallback to manual client TLS failed")
		}
		return nil, nil, err
	}

	cert, err := obtainOrRenew(ctx, acmeClient)
	if err != nil {
		if hasManualCerts {
			return manualFallback("fallback to manual client TLS after ACME failure")
		}
		return nil, nil, errors.WrapTransient(err, "tlsutil", "LoadClientTLSConfigWithACME",
			"obtain ACME client certificate")
	}

	tlsConfig.Certificates = []tls.Certificate{*cert}
	return tlsConfig, startRenewalLoop(ctx, acmeClient, tlsConfig), nil
}

// obtainOrRenew prefers renewing the stored certificate and falls back to a
// fresh order when there is nothing on disk worth renewing.
func obtainOrRenew(ctx context.Context, client *acme.Client) (*tls.Certificate, error) {
	cert, _, err := client.RenewCertificateIfNeeded(ctx)
	if err == nil && cert != nil {
		return cert, nil
	}
	return client.ObtainCertificate(ctx)
}

// startRenewalLoop swaps renewed certificates into tlsConfig in the
// background. The returned stop func cancels the loop and waits for exit.
func startRenewalLoop(ctx context.Context, client *acme.Client, tlsConfig *tls.Config) func() {
	renewalCtx, cancel := context.WithCancel(ctx)
	renewalDone := make(chan struct{})

	go func() {
		defer close(renewalDone)
		_ = client.StartRenewalLoop(renewalCtx, 1*time.Hour,
			func(newCert *tls.Certificate) {
				tlsConfig.Certificates = []tls.Certificate{*newCert}
			})
	}()

	return func() {
		cancel()
		<-renewalDone
	}
}

// initACMEClient translates the declarative ACME block into an acme.Config.
// An unparseable renew_before falls back to the acme package default.
func initACMEClient(cfg security.ACMEConfig) (*acme.Client, error) {
	renewBefore, err := time.ParseDuration(cfg.RenewBefore)
	if err != nil {
		renewBefore = 8 * time.Hour
	}

	return acme.NewClient(acme.Config{
		DirectoryURL:  cfg.DirectoryURL,
		Email:         cfg.Email,
		Domains:       cfg.Domains,
		ChallengeType: cfg.ChallengeType,
		RenewBefore:   renewBefore,
		StoragePath:   cfg.StoragePath,
		CABundle:      cfg.CABundle,
	})
}
