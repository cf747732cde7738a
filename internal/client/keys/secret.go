package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/atinyakov/hammerchat/internal/apperr"
)

const (
	sharedKeySize       = 32
	conversationKDFInfo = "hammerchat/conversation-key"
)

var errKeyCleared = errors.New("key material has been cleared")

// SharedSecret is the symmetric key of one conversation at one key version.
// The key bytes are private to the package and wiped when the secret is
// replaced or the session ends; a wiped secret refuses to encrypt or decrypt.
// A retired secret belongs to a superseded version and only decrypts.
type SharedSecret struct {
	Version   int
	DerivedAt time.Time

	mu      sync.Mutex
	key     []byte
	lastIV  []byte
	retired bool
}

func (s *SharedSecret) aead() (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil, errKeyCleared
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	return aead, nil
}

// claimIV records iv as the latest nonce used with this key and fails if it
// repeats the previous one.
func (s *SharedSecret) claimIV(iv []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastIV != nil && string(s.lastIV) == string(iv) {
		return errors.New("IV reuse detected")
	}
	s.lastIV = append(s.lastIV[:0], iv...)
	return nil
}

// Cleared reports whether the key bytes have been wiped.
func (s *SharedSecret) Cleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key == nil
}

// Retired reports whether a newer key version has replaced this one.
func (s *SharedSecret) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

func (s *SharedSecret) retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

func (s *SharedSecret) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	zero(s.key)
	s.key = nil
	s.lastIV = nil
}

// conversationKeys are the cached secrets of one conversation by version.
type conversationKeys struct {
	current  int
	versions map[int]cacheEntry
}

func (c *conversationKeys) destroy() {
	for _, e := range c.versions {
		e.secret.destroy()
	}
}

// GetSharedSecret returns the conversation key for keyVersion, deriving it
// from ECDH(local private, peer) when the cache has no entry for the same
// version and peer key. Older versions stay cached for decryption, retired so
// that nothing new is sealed under them. A peer change within a version
// replaces that version's entry and wipes the old key under the same lock.
func (m *Manager) GetSharedSecret(conversationID string, peer *ecdh.PublicKey, keyVersion int) (*SharedSecret, error) {
	if conversationID == "" {
		return nil, apperr.New(apperr.Encryption, "conversation id is required")
	}
	if peer == nil {
		return nil, apperr.New(apperr.Encryption, "peer public key is required")
	}
	if keyVersion < 1 {
		return nil, apperr.New(apperr.Encryption, fmt.Sprintf("invalid key version %d", keyVersion))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pair == nil {
		return nil, apperr.New(apperr.Encryption, "no key pair loaded, sign in first")
	}
	conv, ok := m.secrets[conversationID]
	if !ok {
		conv = &conversationKeys{versions: make(map[int]cacheEntry)}
		m.secrets[conversationID] = conv
	}
	if e, ok := conv.versions[keyVersion]; ok && e.peer.Equal(peer) {
		m.promote(conv, keyVersion)
		return e.secret, nil
	}

	key, err := deriveConversationKey(m.pair.Private, peer, conversationID, keyVersion)
	if err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "derive conversation key", err)
	}
	secret := &SharedSecret{Version: keyVersion, DerivedAt: m.now(), key: key}

	if old, ok := conv.versions[keyVersion]; ok {
		old.secret.destroy()
	}
	conv.versions[keyVersion] = cacheEntry{peer: peer, secret: secret}
	m.promote(conv, keyVersion)
	return secret, nil
}

// promote makes version current when it is the newest one seen and retires
// every older secret. Callers hold m.mu.
func (m *Manager) promote(conv *conversationKeys, version int) {
	if version < conv.current {
		conv.versions[version].secret.retire()
		return
	}
	conv.current = version
	for v, e := range conv.versions {
		if v < version {
			e.secret.retire()
		}
	}
}

// CachedSecret returns the cached key of a conversation at version, current
// or superseded.
func (m *Manager) CachedSecret(conversationID string, version int) (*SharedSecret, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.secrets[conversationID]
	if !ok {
		return nil, false
	}
	e, ok := conv.versions[version]
	if !ok {
		return nil, false
	}
	return e.secret, true
}

// Invalidate drops every cached key of a conversation.
func (m *Manager) Invalidate(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.secrets[conversationID]; ok {
		conv.destroy()
		delete(m.secrets, conversationID)
	}
}

// InvalidateVersion drops one cached key version of a conversation.
func (m *Manager) InvalidateVersion(conversationID string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.secrets[conversationID]
	if !ok {
		return
	}
	if e, ok := conv.versions[version]; ok {
		e.secret.destroy()
		delete(conv.versions, version)
	}
	if len(conv.versions) == 0 {
		delete(m.secrets, conversationID)
	}
}

// CachedVersion returns the current key version cached for a conversation.
func (m *Manager) CachedVersion(conversationID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.secrets[conversationID]
	if !ok {
		return 0, false
	}
	if _, ok := conv.versions[conv.current]; !ok {
		return 0, false
	}
	return conv.current, true
}

func deriveConversationKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey, conversationID string, version int) ([]byte, error) {
	z, err := priv.ECDH(peer)
	if err != nil {
		return nil, err
	}
	defer zero(z)

	info := fmt.Sprintf("%s/v%d", conversationKDFInfo, version)
	kdf := hkdf.New(sha256.New, z, []byte(conversationID), []byte(info))
	key := make([]byte, sharedKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
