package messenger

import (
	"context"

	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/client/keys"
	"github.com/atinyakov/hammerchat/internal/models"
)

// StartConversation opens (or reopens) the conversation with peerID and
// returns its id. The conversation key is derived and confirmed right away so
// that a peer without a published key is reported here rather than on send.
func (m *Messenger) StartConversation(ctx context.Context, peerID string) (string, error) {
	userID, err := m.session()
	if err != nil {
		return "", err
	}
	if err := m.validator.ValidateUsername(peerID); err != nil {
		return "", err
	}
	if peerID == userID {
		return "", apperr.New(apperr.Validation, "Cannot start a conversation with yourself")
	}
	ck, err := m.dir.CreateConversation(ctx, peerID)
	if err != nil {
		return "", err
	}
	if _, err := m.secretFor(ctx, ck.ConversationID); err != nil {
		return ck.ConversationID, err
	}
	return ck.ConversationID, nil
}

// secretFor returns the current conversation key. The key version comes from
// the directory; when the directory is unreachable the last known version is
// used so that messages can still be encrypted and queued.
func (m *Messenger) secretFor(ctx context.Context, conversationID string) (*keys.SharedSecret, error) {
	ck, err := m.dir.ConversationKey(ctx, conversationID)

	m.mu.Lock()
	conv, known := m.convs[conversationID]
	m.mu.Unlock()

	if err != nil {
		if apperr.IsRetryable(err) && known {
			m.log.Debug("directory unavailable, using last known conversation key",
				zap.String("conversation_id", conversationID), zap.Int("key_version", conv.version))
			return m.keys.GetSharedSecret(conversationID, conv.peerKey, conv.version)
		}
		return nil, err
	}

	if !known || conv.version != ck.KeyVersion || conv.peerID != ck.PeerID {
		peer, err := m.dir.FetchPublicKey(ctx, ck.PeerID)
		if err != nil {
			return nil, err
		}
		pub, err := keys.ParsePublicJWK(peer.PublicKey)
		if err != nil {
			return nil, err
		}
		conv = conversation{peerID: ck.PeerID, peerKey: pub, version: ck.KeyVersion}
	}

	secret, err := m.keys.GetSharedSecret(conversationID, conv.peerKey, conv.version)
	if err != nil {
		return nil, err
	}
	if err := m.confirmKey(ctx, ck, secret); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.convs[conversationID] = conv
	m.mu.Unlock()
	return secret, nil
}

// confirmKey publishes the key-check value when the current version has none
// and otherwise verifies ours against it. A mismatch means the two sides
// derived different keys and nothing may be encrypted under ours.
func (m *Messenger) confirmKey(ctx context.Context, ck models.ConversationKey, secret *keys.SharedSecret) error {
	if ck.EncryptedSharedSecret != "" {
		if err := m.keys.VerifyKeyCheck(ck.EncryptedSharedSecret, secret); err != nil {
			m.keys.InvalidateVersion(ck.ConversationID, ck.KeyVersion)
			return apperr.Wrap(apperr.Encryption, "conversation key does not match the peer key check", err)
		}
		return nil
	}
	value, err := m.keys.SealKeyCheck(secret)
	if err != nil {
		return err
	}
	if err := m.dir.StoreKeyCheck(ctx, ck.ConversationID, ck.KeyVersion, value); err != nil {
		m.log.Warn("key check not stored", zap.String("conversation_id", ck.ConversationID), zap.Error(err))
	}
	return nil
}
