package keys

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/models"
)

// IVSize is the AES-GCM nonce length in bytes.
const IVSize = 12

const keyCheckPlaintext = "hammerchat/key-check"

// Encrypt seals plaintext under secret with a fresh random IV.
func (m *Manager) Encrypt(plaintext string, secret *SharedSecret) (models.EncryptedPayload, error) {
	if secret == nil {
		return models.EncryptedPayload{}, apperr.New(apperr.Encryption, "no conversation key")
	}
	if secret.Retired() {
		return models.EncryptedPayload{}, apperr.New(apperr.Encryption,
			fmt.Sprintf("key version %d has been superseded", secret.Version))
	}
	aead, err := secret.aead()
	if err != nil {
		return models.EncryptedPayload{}, apperr.Wrap(apperr.Encryption, "encrypt message", err)
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(m.rand, iv); err != nil {
		return models.EncryptedPayload{}, apperr.Wrap(apperr.Encryption, "generate IV", err)
	}
	if err := secret.claimIV(iv); err != nil {
		return models.EncryptedPayload{}, apperr.Wrap(apperr.Encryption, "encrypt message", err)
	}

	ct := aead.Seal(nil, iv, []byte(plaintext), nil)
	return models.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
		KeyVersion: secret.Version,
	}, nil
}

// Decrypt opens payload with secret. The key version is checked before any
// symmetric work; malformed encodings, a wrong IV length and a failed
// authentication tag are all reported as apperr.Decryption.
func (m *Manager) Decrypt(payload models.EncryptedPayload, secret *SharedSecret) (string, error) {
	if secret == nil {
		return "", apperr.New(apperr.Decryption, "no conversation key")
	}
	if payload.KeyVersion != secret.Version {
		return "", apperr.New(apperr.Decryption,
			fmt.Sprintf("message uses key version %d, have %d", payload.KeyVersion, secret.Version))
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return "", apperr.Wrap(apperr.Decryption, "malformed IV", err)
	}
	if len(iv) != IVSize {
		return "", apperr.New(apperr.Decryption, fmt.Sprintf("IV must be %d bytes, got %d", IVSize, len(iv)))
	}
	ct, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", apperr.Wrap(apperr.Decryption, "malformed ciphertext", err)
	}
	aead, err := secret.aead()
	if err != nil {
		return "", apperr.Wrap(apperr.Decryption, "decrypt message", err)
	}
	plain, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", apperr.Wrap(apperr.Decryption, "message authentication failed", err)
	}
	return string(plain), nil
}

// SealKeyCheck returns a key-check value for secret, suitable for
// ConversationKey.EncryptedSharedSecret. Both participants produce values that
// verify against each other's key when their derivations agree.
func (m *Manager) SealKeyCheck(secret *SharedSecret) (string, error) {
	p, err := m.Encrypt(keyCheckPlaintext, secret)
	if err != nil {
		return "", err
	}
	return p.IV + "." + p.Ciphertext, nil
}

// VerifyKeyCheck confirms that value was sealed under the same key as secret.
func (m *Manager) VerifyKeyCheck(value string, secret *SharedSecret) error {
	iv, ct, ok := strings.Cut(value, ".")
	if !ok {
		return apperr.New(apperr.Decryption, "malformed key check")
	}
	var version int
	if secret != nil {
		version = secret.Version
	}
	plain, err := m.Decrypt(models.EncryptedPayload{Ciphertext: ct, IV: iv, KeyVersion: version}, secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(plain), []byte(keyCheckPlaintext)) != 1 {
		return apperr.Wrap(apperr.Decryption, "key check mismatch", errors.New("unexpected key check plaintext"))
	}
	return nil
}
