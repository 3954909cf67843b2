package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"os"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"

	"github.com/latticeworks/lattice/errors"
)

// Account is the ACME account persisted under the storage path. It satisfies
// lego's registration.User interface.
type Account struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *Account) GetEmail() string                        { return a.Email }
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }
func (a *Account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// ensureAccount loads the stored account or creates a fresh one with a new
// EC key. Registration with the CA is deferred until the lego client is
// built, so a brand new account is saved without a registration resource.
func (c *Client) ensureAccount() error {
	accountPath := c.storagePath(accountFile)

	if _, err := os.Stat(accountPath); err == nil {
		accountData, err := os.ReadFile(accountPath)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "ensureAccount", "read account file")
		}

		var account Account
		if err := json.Unmarshal(accountData, &account); err != nil {
			return errors.WrapFatal(err, "acme.Client", "ensureAccount", "unmarshal account")
		}

		keyData, err := os.ReadFile(c.storagePath(accountKeyFile))
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "ensureAccount", "read account key")
		}
		account.key, err = certcrypto.ParsePEMPrivateKey(keyData)
		if err != nil {
			return errors.WrapFatal(err, "acme.Client", "ensureAccount", "parse account key")
		}

		c.account = &account
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "ensureAccount", "generate account key")
	}
	c.account = &Account{Email: c.config.Email, key: key}
	return c.saveAccount()
}

func (c *Client) saveAccount() error {
	accountData, err := json.MarshalIndent(c.account, "", "  ")
	if err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "marshal account")
	}
	if err := os.WriteFile(c.storagePath(accountFile), accountData, 0600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account file")
	}
	if err := os.WriteFile(c.storagePath(accountKeyFile), certcrypto.PEMEncode(c.account.key), 0600); err != nil {
		return errors.WrapFatal(err, "acme.Client", "saveAccount", "write account key")
	}
	return nil
}
