// Package messenger is the client's message pipeline. It gates input with the
// validator, encrypts with the conversation key, sends with a short delivery
// confirmation timeout and falls back to the offline queue when the message
// store is unreachable. It also owns the session: signing in derives the key
// pair, signing out (or going idle) wipes it.
package messenger

import (
	"context"
	"crypto/ecdh"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/client/keys"
	"github.com/atinyakov/hammerchat/internal/models"
	"github.com/atinyakov/hammerchat/internal/validation"
)

const (
	// DefaultSendTimeout is how long Send waits for the store to confirm
	// before queueing the message.
	DefaultSendTimeout = 500 * time.Millisecond
	// DefaultIdleTimeout signs the user out after this much inactivity.
	DefaultIdleTimeout = 30 * time.Minute
	// DefaultHistoryLimit is the page size of History when limit <= 0.
	DefaultHistoryLimit = 50
)

// Directory is the user directory: public keys and conversation key metadata.
type Directory interface {
	PublishKey(ctx context.Context, jwk, deviceID string) (models.UserEncryptionKey, error)
	FetchPublicKey(ctx context.Context, userID string) (models.UserEncryptionKey, error)
	CreateConversation(ctx context.Context, peerID string) (models.ConversationKey, error)
	ConversationKey(ctx context.Context, conversationID string) (models.ConversationKey, error)
	StoreKeyCheck(ctx context.Context, conversationID string, keyVersion int, value string) error
}

// MessageStore persists ciphertext and hands it back in sequence order.
type MessageStore interface {
	SendMessage(ctx context.Context, conversationID, id string, payload models.EncryptedPayload) (models.Message, error)
	Messages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, messageID string) error
	EditMessage(ctx context.Context, messageID string, payload models.EncryptedPayload) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// OfflineQueue holds messages the store could not confirm.
type OfflineQueue interface {
	Enqueue(id, conversationID string, payload models.EncryptedPayload) (models.QueuedMessage, error)
	HasPending(conversationID string) (bool, error)
	Start(ctx context.Context)
	Notify()
}

// HistoryCache is the local copy of recent ciphertext.
type HistoryCache interface {
	CacheHistory(conversationID string, msgs []models.Message) error
	History(conversationID string) ([]models.Message, error)
}

// conversation is what the messenger remembers about a conversation key so
// that it can keep encrypting while the directory is unreachable.
type conversation struct {
	peerID  string
	peerKey *ecdh.PublicKey
	version int
}

// Messenger is a signed-in user's view of their conversations.
type Messenger struct {
	keys      *keys.Manager
	validator *validation.Validator
	dir       Directory
	store     MessageStore
	queue     OfflineQueue
	cache     HistoryCache
	log       *zap.Logger
	now       func() time.Time

	sendTimeout time.Duration
	idleTimeout time.Duration
	deviceID    string
	onIdle      func()

	mu           sync.Mutex
	userID       string
	convs        map[string]conversation
	lastActivity time.Time
	stopQueue    context.CancelFunc
	queueDone    chan struct{}
	stopWatchdog chan struct{}
}

// Option configures a Messenger.
type Option func(*Messenger)

func WithLogger(log *zap.Logger) Option { return func(m *Messenger) { m.log = log } }

func WithClock(now func() time.Time) Option { return func(m *Messenger) { m.now = now } }

func WithSendTimeout(d time.Duration) Option { return func(m *Messenger) { m.sendTimeout = d } }

// WithIdleTimeout sets the inactivity limit. Zero disables the watchdog.
func WithIdleTimeout(d time.Duration) Option { return func(m *Messenger) { m.idleTimeout = d } }

func WithDeviceID(id string) Option { return func(m *Messenger) { m.deviceID = id } }

// WithIdleHandler is called after an idle sign-out.
func WithIdleHandler(fn func()) Option { return func(m *Messenger) { m.onIdle = fn } }

// New builds a Messenger. cache may be nil.
func New(km *keys.Manager, v *validation.Validator, dir Directory, store MessageStore, q OfflineQueue, cache HistoryCache, opts ...Option) *Messenger {
	m := &Messenger{
		keys:        km,
		validator:   v,
		dir:         dir,
		store:       store,
		queue:       q,
		cache:       cache,
		log:         zap.NewNop(),
		now:         time.Now,
		sendTimeout: DefaultSendTimeout,
		idleTimeout: DefaultIdleTimeout,
		deviceID:    "default",
		convs:       make(map[string]conversation),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UserID returns the signed-in user, or "" when signed out.
func (m *Messenger) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

// SignIn derives the user's key pair from password, publishes the public key
// and starts the offline queue. The directory being unreachable does not
// prevent signing in; queued messages go out once it is back.
func (m *Messenger) SignIn(ctx context.Context, userID, password string) error {
	if err := m.validator.ValidateUsername(userID); err != nil {
		return err
	}
	if m.UserID() != "" {
		m.SignOut()
	}

	kp, err := m.keys.DeriveKeyPair(ctx, password, keys.UserSalt(userID))
	if err != nil {
		return err
	}
	jwk, err := kp.PublicJWK()
	if err != nil {
		m.keys.ClearKeys()
		return err
	}
	if _, err := m.dir.PublishKey(ctx, jwk, m.deviceID); err != nil {
		if !apperr.IsRetryable(err) {
			m.keys.ClearKeys()
			return err
		}
		m.log.Warn("public key not published, directory unavailable", zap.Error(err))
	}

	queueCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.queue.Start(queueCtx)
	}()

	m.mu.Lock()
	m.userID = userID
	m.lastActivity = m.now()
	m.stopQueue = cancel
	m.queueDone = done
	if m.idleTimeout > 0 {
		m.stopWatchdog = make(chan struct{})
		go m.watchdog(m.stopWatchdog)
	}
	m.mu.Unlock()

	m.log.Info("signed in", zap.String("user_id", userID))
	return nil
}

// SignOut stops the offline queue and wipes all key material. Queued
// ciphertext stays on disk for the next session.
func (m *Messenger) SignOut() {
	m.mu.Lock()
	userID := m.userID
	stop, done, watchdog := m.stopQueue, m.queueDone, m.stopWatchdog
	m.userID = ""
	m.stopQueue, m.queueDone, m.stopWatchdog = nil, nil, nil
	m.convs = make(map[string]conversation)
	m.mu.Unlock()

	if watchdog != nil {
		close(watchdog)
	}
	if stop != nil {
		stop()
		<-done
	}
	m.keys.ClearKeys()
	if userID != "" {
		m.log.Info("signed out", zap.String("user_id", userID))
	}
}

// TouchActivity resets the idle timer.
func (m *Messenger) TouchActivity() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

// CheckIdle signs out when the session has been idle longer than the idle
// timeout. It reports whether it did.
func (m *Messenger) CheckIdle() bool {
	m.mu.Lock()
	idle := m.userID != "" && m.idleTimeout > 0 && m.now().Sub(m.lastActivity) > m.idleTimeout
	m.mu.Unlock()
	if !idle {
		return false
	}
	m.log.Info("idle timeout, clearing keys")
	m.SignOut()
	if m.onIdle != nil {
		m.onIdle()
	}
	return true
}

func (m *Messenger) watchdog(stop <-chan struct{}) {
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.CheckIdle() {
				return
			}
		}
	}
}

// session returns the signed-in user and records activity.
func (m *Messenger) session() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userID == "" {
		return "", apperr.New(apperr.Authentication, "not signed in")
	}
	m.lastActivity = m.now()
	return m.userID, nil
}
