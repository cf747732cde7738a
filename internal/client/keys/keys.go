// Package keys is the client-side key management service. It derives the
// user's long-term P-256 key pair from their password, negotiates one AES-256
// key per conversation with ECDH + HKDF, and encrypts and decrypts message
// payloads with AES-GCM.
//
// A Manager is the only holder of private key material. It lives for one
// signed-in session and must be wiped with ClearKeys on sign-out.
package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/atinyakov/hammerchat/internal/apperr"
)

const (
	seedSize          = 32
	keyPairInfo       = "hammerchat/p256-keypair"
	userSaltLabel     = "hammerchat/user-salt/"
	maxScalarAttempts = 16
)

// KDFParams are the Argon2id cost parameters used for password derivation.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams follow the Argon2id interactive recommendation.
var DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

// KeyPair is the user's long-term ECDH key pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// PublicJWK returns the public half encoded as a JWK.
func (kp *KeyPair) PublicJWK() (string, error) {
	return PublicJWK(kp.Public)
}

type cacheEntry struct {
	peer   *ecdh.PublicKey
	secret *SharedSecret
}

// Manager holds the in-memory key material of one session.
type Manager struct {
	params KDFParams
	rand   io.Reader
	now    func() time.Time

	mu      sync.Mutex
	pair    *KeyPair
	secrets map[string]*conversationKeys
}

// Option configures a Manager.
type Option func(*Manager)

// WithKDFParams overrides the Argon2id cost parameters.
func WithKDFParams(p KDFParams) Option {
	return func(m *Manager) { m.params = p }
}

// WithRandom replaces the IV randomness source. Tests only.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.rand = r }
}

// WithClock replaces the clock used for SharedSecret.DerivedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns an empty Manager. No key pair is loaded until
// DeriveKeyPair succeeds.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		params:  DefaultKDFParams,
		rand:    rand.Reader,
		now:     time.Now,
		secrets: make(map[string]*conversationKeys),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UserSalt returns the deterministic derivation salt of a user. Any device can
// compute it from the user ID alone, which is what lets a second device
// regenerate the same key pair from the password.
func UserSalt(userID string) []byte {
	if userID == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(userSaltLabel + userID))
	return sum[:]
}

// DeriveKeyPair derives the user's key pair from password and salt and makes
// it the active pair of the manager. The same password and salt always yield
// the same key pair.
func (m *Manager) DeriveKeyPair(ctx context.Context, password string, salt []byte) (*KeyPair, error) {
	if password == "" {
		return nil, apperr.New(apperr.Encryption, "password is required for key derivation")
	}
	if len(salt) == 0 {
		return nil, apperr.New(apperr.Encryption, "salt is required for key derivation")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "key derivation cancelled", err)
	}

	type result struct {
		priv *ecdh.PrivateKey
		err  error
	}
	done := make(chan result, 1)
	params := m.params
	go func() {
		seed := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Threads, seedSize)
		priv, err := scalarFromSeed(seed)
		zero(seed)
		done <- result{priv: priv, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.Encryption, "key derivation cancelled", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, apperr.Wrap(apperr.Encryption, "derive key pair", res.err)
	}

	kp := &KeyPair{Private: res.priv, Public: res.priv.PublicKey()}
	m.mu.Lock()
	m.pair = kp
	m.mu.Unlock()
	return kp, nil
}

// scalarFromSeed expands seed with HKDF and returns the first 32-byte block
// that is a valid P-256 scalar.
func scalarFromSeed(seed []byte) (*ecdh.PrivateKey, error) {
	r := hkdf.New(sha256.New, seed, nil, []byte(keyPairInfo))
	buf := make([]byte, 32)
	defer zero(buf)
	for i := 0; i < maxScalarAttempts; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if priv, err := ecdh.P256().NewPrivateKey(buf); err == nil {
			return priv, nil
		}
	}
	return nil, errors.New("no valid P-256 scalar in seed expansion")
}

// KeyPair returns the active key pair, or nil when signed out.
func (m *Manager) KeyPair() *KeyPair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pair
}

// HasKeyPair reports whether a key pair is loaded.
func (m *Manager) HasKeyPair() bool {
	return m.KeyPair() != nil
}

// ClearKeys wipes every cached conversation key and drops the key pair.
func (m *Manager) ClearKeys() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conv := range m.secrets {
		conv.destroy()
		delete(m.secrets, id)
	}
	m.pair = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
