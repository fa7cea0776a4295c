// Package secret encrypts datasource credentials at rest. Ciphertexts are
// AES-256-GCM sealed with a key derived from a process-wide master secret and
// serialized as three dot-joined base64 segments: nonce, tag, ciphertext.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	gosync "sync"

	"golang.org/x/crypto/hkdf"

	"github.com/nhle/roadmap-sync/internal/model"
)

var (
	// ErrInvalidPayload indicates a ciphertext whose segments are missing
	// or malformed.
	ErrInvalidPayload = errors.New("invalid secret payload")

	// ErrAuthenticationFailure indicates the ciphertext failed its
	// integrity check (tampered data or a different master secret).
	ErrAuthenticationFailure = errors.New("secret authentication failed")
)

const (
	keyInfo   = "roadmap-sync/datasource-secret/v1"
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var encoding = base64.RawURLEncoding.Strict()

// Codec encrypts and decrypts single secret strings. It is safe for
// concurrent use.
type Codec struct {
	provider MasterKeyProvider

	mu   gosync.Mutex
	aead cipher.AEAD
}

// NewCodec creates a codec. The master secret is not read until the first
// Encrypt or Decrypt call.
func NewCodec(provider MasterKeyProvider) *Codec {
	return &Codec{provider: provider}
}

// aeadCipher returns the cached AEAD, deriving it on first successful use.
func (c *Codec) aeadCipher() (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aead != nil {
		return c.aead, nil
	}

	master, err := c.provider.MasterSecret()
	if errors.Is(err, ErrNoMasterSecret) {
		return nil, &model.ConfigurationError{Message: "master secret is not configured", Err: err}
	}
	if err != nil {
		return nil, err
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(master), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving secret key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	c.aead = aead
	return aead, nil
}

// Encrypt seals plaintext under a fresh random nonce. Two calls with the
// same plaintext produce different payloads.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := c.aeadCipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		encoding.EncodeToString(nonce),
		encoding.EncodeToString(tag),
		encoding.EncodeToString(body),
	}, "."), nil
}

// Decrypt opens a payload produced by Encrypt.
func (c *Codec) Decrypt(payload string) (string, error) {
	parts := strings.Split(payload, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", ErrInvalidPayload
	}

	nonce, err := encoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrInvalidPayload)
	}
	tag, err := encoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrInvalidPayload)
	}
	body, err := encoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrInvalidPayload)
	}

	aead, err := c.aeadCipher()
	if err != nil {
		return "", err
	}

	plain, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return string(plain), nil
}

// IsCodecError reports whether err is a payload or authentication failure.
func IsCodecError(err error) bool {
	return errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrAuthenticationFailure)
}
