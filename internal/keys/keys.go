// Package keys handles API key material: generation, the SHA-256 hash
// the auth cache and row store index by, and AES-256-GCM encryption at
// rest. The plaintext key is returned to the caller exactly once at
// issue time; only (encrypted_key, key_hash) persist.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Key type constants stored in integration_keys.key_type.
const (
	TypeBusiness    = "business"
	TypeCustomerAPI = "customer_api"
	TypeStripe      = "stripe"
	TypeFly         = "fly"
	TypeEmail       = "email"
)

// Prefixes make leaked keys greppable and identify the principal kind
// before any lookup.
const (
	businessPrefix = "tt_biz_"
	customerPrefix = "tt_cust_"
)

// GenerateBusinessKey mints a new business API key.
func GenerateBusinessKey() (string, error) {
	return generate(businessPrefix)
}

// GenerateCustomerKey mints a new customer API key.
func GenerateCustomerKey() (string, error) {
	return generate(customerPrefix)
}

func generate(prefix string) (string, error) {
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return prefix + hex.EncodeToString(secret), nil
}

// KindOf reports which principal kind a raw key claims to be, without
// validating it. Unknown prefixes return "".
func KindOf(rawKey string) string {
	switch {
	case strings.HasPrefix(rawKey, businessPrefix):
		return TypeBusiness
	case strings.HasPrefix(rawKey, customerPrefix):
		return TypeCustomerAPI
	}
	return ""
}

// Hash returns the SHA-256 hex digest of a raw key. This is the only
// form the auth cache and the key_hash column ever see. The digest is
// deterministic so hash → principal lookup works; the key itself has
// 192 bits of entropy, so an unsalted digest is not invertible.
func Hash(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// Encryptor seals credentials with AES-256-GCM. The 32-byte data key is
// derived from the operator-supplied secret via HKDF-SHA256 so config
// carries a passphrase, not raw key bytes.
type Encryptor struct {
	key []byte
}

// hkdfInfo domain-separates the derived key from any other use of the
// same secret.
const hkdfInfo = "tracktags/integration-keys/v1"

// NewEncryptor derives the encryption key from secret.
func NewEncryptor(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, errors.New("key encryption secret must not be empty")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}
