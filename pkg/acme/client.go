// Package acme obtains and renews TLS certificates from an ACME directory
// using lego. Certificates, the account, and its key all live as flat files
// under one storage path, so a restart picks up where the last process left
// off. Private directories (step-ca and friends) are supported through a
// custom CA bundle for the directory endpoint itself.
package acme

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/challenge/tlsalpn01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/latticeworks/lattice/errors"
)

// File names under Config.StoragePath.
const (
	accountFile    = "account.json"
	accountKeyFile = "account.key"
	certFile       = "certificate.pem"
	certKeyFile    = "certificate.key"
)

const defaultRenewBefore = 8 * time.Hour

// Config selects the directory, the identity to order for, and where state
// is kept between runs.
type Config struct {
	DirectoryURL  string
	Email         string
	Domains       []string
	ChallengeType string // "http-01" (default) or "tls-alpn-01"
	RenewBefore   time.Duration
	StoragePath   string
	CABundle      string
}

// Validate rejects configs that cannot possibly order a certificate and
// fills in the renewal window default.
func (c *Config) Validate() error {
	if c.DirectoryURL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("directory_url is required"),
			"acme.Config", "Validate", "check directory URL")
	}
	if c.Email == "" {
		return errors.WrapInvalid(
			fmt.Errorf("email is required"),
			"acme.Config", "Validate", "check email")
	}
	if len(c.Domains) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("at least one domain is required"),
			"acme.Config", "Validate", "check domains")
	}
	if c.ChallengeType != "" && c.ChallengeType != "http-01" && c.ChallengeType != "tls-alpn-01" {
		return errors.WrapInvalid(
			fmt.Errorf("challenge_type must be 'http-01' or 'tls-alpn-01'"),
			"acme.Config", "Validate", "check challenge type")
	}
	if c.StoragePath == "" {
		return errors.WrapInvalid(
			fmt.Errorf("storage_path is required"),
			"acme.Config", "Validate", "check storage path")
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = defaultRenewBefore
	}
	return nil
}

// Client orders and renews certificates for one set of domains.
type Client struct {
	config     Config
	legoClient *lego.Client
	account    *Account
	logger     *slog.Logger
}

// NewClient validates cfg, prepares the storage directory, loads or creates
// the account, and registers it with the directory if needed. Registration
// means network I/O, so construction can fail on an unreachable directory.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.StoragePath, 0700); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", "NewClient", "create storage directory")
	}

	client := &Client{
		config: cfg,
		logger: slog.Default().With("component", "acme"),
	}
	if err := client.ensureAccount(); err != nil {
		return nil, err
	}
	if err := client.buildLegoClient(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) storagePath(name string) string {
	return filepath.Join(c.config.StoragePath, name)
}

func (c *Client) buildLegoClient() error {
	legoCfg := lego.NewConfig(c.account)
	legoCfg.CADirURL = c.config.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.EC256

	// A CA bundle makes the directory endpoint of a private CA trusted
	// without touching the system store.
	if c.config.CABundle != "" {
		caCert, err := os.ReadFile(c.config.CABundle)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "buildLegoClient", "read CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return errors.WrapFatal(
				fmt.Errorf("no certificates found in bundle"),
				"acme.Client", "buildLegoClient", "parse CA bundle")
		}
		legoCfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		}
	}

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "buildLegoClient", "create lego client")
	}

	challengeType := c.config.ChallengeType
	if challengeType == "" {
		challengeType = "http-01"
	}
	switch challengeType {
	case "http-01":
		if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80")); err != nil {
			return errors.WrapFatal(err, "acme.Client", "buildLegoClient", "setup HTTP-01 challenge")
		}
	case "tls-alpn-01":
		if err := client.Challenge.SetTLSALPN01Provider(tlsalpn01.NewProviderServer("", "443")); err != nil {
			return errors.WrapFatal(err, "acme.Client", "buildLegoClient", "setup TLS-ALPN-01 challenge")
		}
	}

	if c.account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return errors.WrapTransient(err, "acme.Client", "buildLegoClient", "register account")
		}
		c.account.Registration = reg
		if err := c.saveAccount(); err != nil {
			return err
		}
	}

	c.legoClient = client
	return nil
}

// ObtainCertificate orders a fresh certificate for the configured domains
// and persists the PEM pair before returning it.
func (c *Client) ObtainCertificate(_ context.Context) (*tls.Certificate, error) {
	resource, err := c.legoClient.Certificate.Obtain(certificate.ObtainRequest{
		Domains: c.config.Domains,
		Bundle:  true,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "acme.Client", "ObtainCertificate", "obtain certificate")
	}
	return c.storeCertificate("ObtainCertificate", resource.Certificate, resource.PrivateKey)
}

// RenewCertificateIfNeeded inspects the stored certificate. The bool reports
// whether a renewal happened. (nil, false, nil) means nothing is stored yet
// and the caller should obtain instead.
func (c *Client) RenewCertificateIfNeeded(_ context.Context) (*tls.Certificate, bool, error) {
	certPath := c.storagePath(certFile)
	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return nil, false, nil
	}

	tlsCert, err := tls.LoadX509KeyPair(certPath, c.storagePath(certKeyFile))
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewCertificateIfNeeded",
			"load stored certificate")
	}
	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewCertificateIfNeeded",
			"parse stored certificate")
	}

	if time.Now().Before(leaf.NotAfter.Add(-c.config.RenewBefore)) {
		return &tlsCert, false, nil
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, false, errors.WrapFatal(err, "acme.Client", "RenewCertificateIfNeeded",
			"read certificate for renewal")
	}
	renewed, err := c.legoClient.Certificate.Renew(certificate.Resource{
		Domain:      c.config.Domains[0],
		Certificate: certPEM,
	}, true, false, "")
	if err != nil {
		return nil, false, errors.WrapTransient(err, "acme.Client", "RenewCertificateIfNeeded",
			"renew certificate")
	}

	renewedTLS, err := c.storeCertificate("RenewCertificateIfNeeded", renewed.Certificate, renewed.PrivateKey)
	if err != nil {
		return nil, false, err
	}
	return renewedTLS, true, nil
}

func (c *Client) storeCertificate(op string, certPEM, keyPEM []byte) (*tls.Certificate, error) {
	if err := os.WriteFile(c.storagePath(certFile), certPEM, 0644); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", op, "write certificate")
	}
	if err := os.WriteFile(c.storagePath(certKeyFile), keyPEM, 0600); err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", op, "write private key")
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.WrapFatal(err, "acme.Client", op, "load certificate")
	}
	return &tlsCert, nil
}

// StartRenewalLoop re-checks expiry every checkInterval until ctx ends and
// hands each renewed certificate to onRenewal. Renewal failures are logged
// and retried on the next tick rather than ending the loop.
func (c *Client) StartRenewalLoop(ctx context.Context, checkInterval time.Duration,
	onRenewal func(*tls.Certificate)) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cert, renewed, err := c.RenewCertificateIfNeeded(ctx)
			if err != nil {
				c.logger.Warn("certificate renewal check failed", "error", err)
				continue
			}
			if renewed && onRenewal != nil {
				c.logger.Info("certificate renewed", "domains", c.config.Domains)
				onRenewal(cert)
			}
		}
	}
}
