package secret

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"

	"github.com/nhle/roadmap-sync/internal/model"
)

// MasterKeyProvider supplies the process-wide master secret.
type MasterKeyProvider interface {
	MasterSecret() (string, error)
}

// ErrNoMasterSecret is returned by providers that have no secret to offer.
var ErrNoMasterSecret = errors.New("master secret not set")

// StaticProvider serves a secret loaded from configuration, typically the
// ROADMAP_SECRET_KEY environment variable.
type StaticProvider string

// MasterSecret returns the configured secret or ErrNoMasterSecret.
func (p StaticProvider) MasterSecret() (string, error) {
	if strings.TrimSpace(string(p)) == "" {
		return "", ErrNoMasterSecret
	}
	return string(p), nil
}

// ChainProvider returns the first secret any of its providers can supply.
// When none can, the result is a ConfigurationError.
type ChainProvider []MasterKeyProvider

// MasterSecret walks the chain in order.
func (c ChainProvider) MasterSecret() (string, error) {
	var errs []error
	for _, p := range c {
		s, err := p.MasterSecret()
		if err == nil && s != "" {
			return s, nil
		}
		if err != nil && !errors.Is(err, ErrNoMasterSecret) {
			errs = append(errs, err)
		}
	}
	return "", &model.ConfigurationError{
		Message: "master secret is not configured (set ROADMAP_SECRET_KEY or store one in the keyring)",
		Err:     errors.Join(errs...),
	}
}

const (
	serviceName      = "roadmap-sync"
	masterSecretItem = "master-secret"
)

// KeyringProvider reads and writes the master secret in the system keyring.
type KeyringProvider struct {
	// FileDir is used by the encrypted-file fallback backend.
	FileDir string
}

// openKeyring returns a configured keyring instance.
func (p KeyringProvider) openKeyring() (keyring.Keyring, error) {
	fileDir := p.FileDir
	if fileDir == "" {
		fileDir = "~/.config/roadmap-sync/credentials"
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(serviceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// MasterSecret retrieves the master secret from the keyring.
func (p KeyringProvider) MasterSecret() (string, error) {
	ring, err := p.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(masterSecretItem)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNoMasterSecret
	}
	if err != nil {
		return "", fmt.Errorf("getting master secret: %w", err)
	}

	return string(item.Data), nil
}

// Store saves value as the master secret.
func (p KeyringProvider) Store(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("master secret must not be empty")
	}

	ring, err := p.openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   masterSecretItem,
		Data:  []byte(value),
		Label: "roadmap-sync master secret",
	})
	if err != nil {
		return fmt.Errorf("setting master secret: %w", err)
	}

	return nil
}

// Delete removes the master secret from the keyring.
func (p KeyringProvider) Delete() error {
	ring, err := p.openKeyring()
	if err != nil {
		return err
	}

	if err := ring.Remove(masterSecretItem); err != nil {
		return fmt.Errorf("deleting master secret: %w", err)
	}

	return nil
}
