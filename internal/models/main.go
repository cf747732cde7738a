// Package models defines the core data structures shared by the messaging
// client and the relay server: users, published keys, conversation keys,
// messages and locally queued messages.
package models

import "time"

// User represents a registered account. The login doubles as the user ID and
// as the Common Name of the user's client certificate.
type User struct {
	// ID is the login chosen at registration.
	ID string `json:"id"`
	// CreatedAt is the registration time.
	CreatedAt time.Time `json:"created_at"`
}

// UserEncryptionKey is a published public key. It is the only asymmetric
// material the server ever sees.
type UserEncryptionKey struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	PublicKey string    `json:"public_key"` // JWK, P-256
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is optional; zero means the key does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// Active reports whether the key can be used to derive new shared secrets at now.
func (k UserEncryptionKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt)
}

// ConversationKey is the per-participant key-exchange metadata of a
// conversation. The shared secret itself is never stored.
type ConversationKey struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	PeerID         string `json:"peer_id"`
	// EncryptedSharedSecret is a key-check value: a constant sealed under the
	// conversation key of KeyVersion. Empty until a participant publishes it.
	EncryptedSharedSecret string `json:"encrypted_shared_secret"`
	KeyVersion            int    `json:"key_version"`
}

// EncryptedPayload is what crosses the boundary to the message store.
type EncryptedPayload struct {
	// Ciphertext is base64 AES-256-GCM output including the tag.
	Ciphertext string `json:"ciphertext"`
	// IV is the base64 12-byte nonce.
	IV         string `json:"iv"`
	KeyVersion int    `json:"key_version,omitempty"`
}

// Message is a stored message. EncryptedContent is only ever ciphertext.
type Message struct {
	ID                   string     `json:"id"`
	ConversationID       string     `json:"conversation_id"`
	SenderID             string     `json:"sender_id"`
	EncryptedContent     string     `json:"encrypted_content"`
	InitializationVector string     `json:"initialization_vector"`
	KeyVersion           int        `json:"key_version"`
	SequenceNumber       int64      `json:"sequence_number"`
	Deleted              bool       `json:"deleted"`
	Edited               bool       `json:"edited"`
	CreatedAt            time.Time  `json:"created_at"`
	EditedAt             *time.Time `json:"edited_at,omitempty"`
	DeliveredAt          *time.Time `json:"delivered_at,omitempty"`
	ReadAt               *time.Time `json:"read_at,omitempty"`
}

// Payload returns the encrypted payload carried by the message.
func (m Message) Payload() EncryptedPayload {
	return EncryptedPayload{Ciphertext: m.EncryptedContent, IV: m.InitializationVector, KeyVersion: m.KeyVersion}
}

// QueueStatus is the state of a locally queued message.
type QueueStatus string

const (
	// StatusPending waits for the next delivery attempt.
	StatusPending QueueStatus = "pending"
	// StatusSyncing is being delivered right now.
	StatusSyncing QueueStatus = "syncing"
	// StatusSynced was confirmed by the message store.
	StatusSynced QueueStatus = "synced"
	// StatusFailed exhausted its retries and needs user action.
	StatusFailed QueueStatus = "failed"
)

// QueuedMessage is a pre-encrypted message awaiting confirmed delivery.
type QueuedMessage struct {
	ID                   string      `json:"id"`
	ConversationID       string      `json:"conversation_id"`
	EncryptedContent     string      `json:"encrypted_content"`
	InitializationVector string      `json:"initialization_vector"`
	KeyVersion           int         `json:"key_version"`
	Status               QueueStatus `json:"status"`
	Synced               bool        `json:"synced"`
	Retries              int         `json:"retries"`
	LastError            string      `json:"last_error,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// Payload returns the encrypted payload carried by the queued message.
func (q QueuedMessage) Payload() EncryptedPayload {
	return EncryptedPayload{Ciphertext: q.EncryptedContent, IV: q.InitializationVector, KeyVersion: q.KeyVersion}
}
