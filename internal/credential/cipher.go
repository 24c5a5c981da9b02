// Package credential seals caller-supplied API keys before they are stored.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/awnumar/memguard"

	"github.com/ZeroPathAI/openerrata/internal/domain"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var (
	ErrKeySize    = errors.New("credential key must be 32 bytes")
	ErrUnknownKey = errors.New("credential sealed with unknown key")
	ErrTampered   = errors.New("credential failed authentication")
)

// Cipher encrypts credentials with AES-256-GCM. The master key lives in a
// memguard enclave and is only unsealed for the duration of one operation.
type Cipher struct {
	key   *memguard.Enclave
	keyID string
}

// New creates a Cipher. key is wiped once it has been moved into the enclave.
func New(key []byte, keyID string) (*Cipher, error) {
	if len(key) != keySize {
		memguard.WipeBytes(key)
		return nil, ErrKeySize
	}
	if keyID == "" {
		return nil, errors.New("credential key id is required")
	}
	return &Cipher{key: memguard.NewEnclave(key), keyID: keyID}, nil
}

// NewFromBase64 creates a Cipher from a standard base64 encoded key.
func NewFromBase64(encoded, keyID string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	return New(key, keyID)
}

// KeyID returns the identifier stamped on sealed credentials.
func (c *Cipher) KeyID() string { return c.keyID }

// Seal encrypts plaintext. The key id and expiry are authenticated with it.
func (c *Cipher) Seal(plaintext []byte, expiresAt time.Time) (domain.EncryptedCredential, error) {
	gcm, release, err := c.aead()
	if err != nil {
		return domain.EncryptedCredential{}, err
	}
	defer release()

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return domain.EncryptedCredential{}, fmt.Errorf("generate iv: %w", err)
	}
	expiresAt = expiresAt.UTC().Truncate(time.Second)
	sealed := gcm.Seal(nil, iv, plaintext, additionalData(c.keyID, expiresAt))
	split := len(sealed) - tagSize
	return domain.EncryptedCredential{
		Ciphertext: sealed[:split],
		IV:         iv,
		AuthTag:    sealed[split:],
		KeyID:      c.keyID,
		ExpiresAt:  expiresAt,
	}, nil
}

// Open decrypts a credential sealed by a Cipher with the same key id.
func (c *Cipher) Open(cred domain.EncryptedCredential) ([]byte, error) {
	if cred.KeyID != c.keyID {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, cred.KeyID)
	}
	if len(cred.IV) != nonceSize || len(cred.AuthTag) != tagSize {
		return nil, ErrTampered
	}
	gcm, release, err := c.aead()
	if err != nil {
		return nil, err
	}
	defer release()

	sealed := make([]byte, 0, len(cred.Ciphertext)+tagSize)
	sealed = append(sealed, cred.Ciphertext...)
	sealed = append(sealed, cred.AuthTag...)
	plain, err := gcm.Open(nil, cred.IV, sealed, additionalData(cred.KeyID, cred.ExpiresAt.UTC().Truncate(time.Second)))
	if err != nil {
		return nil, ErrTampered
	}
	return plain, nil
}

func (c *Cipher) aead() (cipher.AEAD, func(), error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open credential key: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, buf.Destroy, nil
}

func additionalData(keyID string, expiresAt time.Time) []byte {
	return []byte(keyID + "|" + strconv.FormatInt(expiresAt.Unix(), 10))
}

// Purge wipes every memguard allocation. Call it on shutdown.
func Purge() {
	memguard.Purge()
}
