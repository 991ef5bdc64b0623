package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"opsdesk/internal/domain"
)

// sealedPrefix marks a config value produced by EncryptValue.
const sealedPrefix = "enc:"

const saltLen = 16

// decryptSecrets opens every sealed value among the secret fields in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"database dsn":           &cfg.Database.DSN,
		"wordpress app_password": &cfg.Integrations.WordPress.AppPassword,
		"odoo password":          &cfg.Integrations.Odoo.Password,
		"quickbooks token":       &cfg.Integrations.QuickBooks.AccessToken,
		"smtp password":          &cfg.Integrations.Email.Password,
		"twilio auth_token":      &cfg.Integrations.SMS.AuthToken,
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		fields["provider "+p.Name+" api_key"] = &p.APIKey
	}
	for i := range cfg.Gateway.Auth.Tokens {
		tok := &cfg.Gateway.Auth.Tokens[i]
		fields["gateway auth token "+tok.ID] = &tok.Token
	}

	for name, field := range fields {
		sealed, ok := strings.CutPrefix(*field, sealedPrefix)
		if !ok {
			continue
		}
		plain, err := DecryptValue(sealed, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// EncryptValue seals plaintext with AES-256-GCM under a key derived from
// passphrase. The result is hex(salt) ":" hex(nonce || ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plain), nil
}

// newGCM derives a 32-byte Argon2id key from passphrase and salt.
func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}
