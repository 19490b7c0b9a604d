package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/nocturne-media/internal/crypto"
	"github.com/ssd-technologies/nocturne-media/internal/media"
	"github.com/ssd-technologies/nocturne-media/internal/storage"
)

// Secrets are what an identity needs to make authenticated requests.
type Secrets struct {
	SharedSecret []byte `json:"sharedSecret"`
	AuthToken    string `json:"authToken"`
}

// Vault keeps Secrets sealed under a passphrase in the data store.
type Vault struct {
	db *storage.DB
}

func NewVault(db *storage.DB) *Vault {
	return &Vault{db: db}
}

// Login seals s for identity, replacing any stored secrets.
func (v *Vault) Login(identity string, s Secrets, passphrase string) error {
	if identity == "" || passphrase == "" {
		return errors.New("login: identity and passphrase are required")
	}
	switch len(s.SharedSecret) {
	case 16, 24, 32:
	default:
		return fmt.Errorf("login: shared secret length %d: %w", len(s.SharedSecret), media.ErrCrypto)
	}

	plaintext, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	sealed, salt, nonce, err := crypto.SealWithPassphrase(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	now := time.Now().Unix()
	c := &storage.Credential{
		Identity:  identity,
		Sealed:    sealed,
		Salt:      salt,
		Nonce:     nonce,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return v.db.SaveCredential(c)
}

// Unlock returns the secrets for identity. A wrong passphrase is ErrCrypto;
// an unknown identity is ErrNotFound.
func (v *Vault) Unlock(identity, passphrase string) (*Secrets, error) {
	c, err := v.db.GetCredential(identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("unlock %s: %w", identity, media.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %v: %w", identity, err, media.ErrIO)
	}

	plaintext, err := crypto.OpenWithPassphrase(c.Sealed, passphrase, c.Salt, c.Nonce)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", identity, err)
	}
	var s Secrets
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return nil, fmt.Errorf("unlock %s: %v: %w", identity, err, media.ErrCrypto)
	}
	return &s, nil
}

// Identities lists identities with stored secrets.
func (v *Vault) Identities() ([]string, error) {
	return v.db.ListIdentities()
}

// Forget removes an identity's secrets.
func (v *Vault) Forget(identity string) error {
	if err := v.db.DeleteCredential(identity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("forget %s: %w", identity, media.ErrNotFound)
		}
		return err
	}
	return nil
}
