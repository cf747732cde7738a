package messenger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/client/keys"
	"github.com/atinyakov/hammerchat/internal/models"
)

const (
	// UndecryptablePlaceholder replaces the text of a message that cannot be decrypted.
	UndecryptablePlaceholder = "[cannot decrypt message]"
	// DeletedPlaceholder replaces the text of a deleted message.
	DeletedPlaceholder = "[message deleted]"
)

// DeliveryStatus tells how Send disposed of a message.
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Queued    DeliveryStatus = "queued"
)

// SendResult is the outcome of Send.
type SendResult struct {
	ID     string
	Status DeliveryStatus
	// Message is the stored message when Status is Delivered.
	Message *models.Message
}

// DisplayMessage is a decrypted message ready to show.
type DisplayMessage struct {
	ID             string
	SenderID       string
	Text           string
	SequenceNumber int64
	CreatedAt      time.Time
	Mine           bool
	Edited         bool
	Deleted        bool
	// Err is set when Text is the undecryptable placeholder.
	Err error
}

// Send validates, encrypts and sends text. When the store does not confirm
// within the send timeout, or the conversation already has queued messages,
// the ciphertext goes to the offline queue and Send reports Queued.
func (m *Messenger) Send(ctx context.Context, conversationID, text string) (SendResult, error) {
	if _, err := m.session(); err != nil {
		return SendResult{}, err
	}
	if err := m.validator.ValidateMessageContent(text); err != nil {
		return SendResult{}, err
	}
	secret, err := m.secretFor(ctx, conversationID)
	if err != nil {
		return SendResult{}, err
	}
	payload, err := m.keys.Encrypt(text, secret)
	if err != nil {
		return SendResult{}, err
	}
	id := uuid.NewString()
	log := m.log.With(zap.String("id", id), zap.String("conversation_id", conversationID))

	behind, err := m.queue.HasPending(conversationID)
	if err != nil {
		return SendResult{}, err
	}
	if behind {
		log.Debug("conversation has queued messages, queueing behind them")
		return m.enqueue(id, conversationID, payload)
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()
	msg, err := m.store.SendMessage(sendCtx, conversationID, id, payload)
	if err != nil {
		if apperr.IsRetryable(err) {
			log.Info("message store unavailable, queueing", zap.Error(err))
			return m.enqueue(id, conversationID, payload)
		}
		return SendResult{}, err
	}
	m.remember(conversationID, msg)
	return SendResult{ID: id, Status: Delivered, Message: &msg}, nil
}

func (m *Messenger) enqueue(id, conversationID string, payload models.EncryptedPayload) (SendResult, error) {
	if _, err := m.queue.Enqueue(id, conversationID, payload); err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: id, Status: Queued}, nil
}

// History returns up to limit messages older than sequence number before
// (before <= 0 for the newest), oldest first. If the message store is
// unreachable the local cache is served instead. Messages that fail to
// decrypt carry UndecryptablePlaceholder and the error.
func (m *Messenger) History(ctx context.Context, conversationID string, before int64, limit int) ([]DisplayMessage, error) {
	userID, err := m.session()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	online := true
	msgs, err := m.store.Messages(ctx, conversationID, before, limit)
	switch {
	case err == nil:
		if m.cache != nil {
			if err := m.cache.CacheHistory(conversationID, msgs); err != nil {
				m.log.Warn("history not cached", zap.String("conversation_id", conversationID), zap.Error(err))
			}
		}
	case apperr.IsRetryable(err) && m.cache != nil:
		m.log.Info("message store unavailable, serving cached history", zap.Error(err))
		online = false
		msgs, err = m.cachedPage(conversationID, before, limit)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].SequenceNumber < msgs[j].SequenceNumber })

	secret, keyErr := m.secretFor(ctx, conversationID)
	out := make([]DisplayMessage, 0, len(msgs))
	for _, msg := range msgs {
		d := DisplayMessage{
			ID:             msg.ID,
			SenderID:       msg.SenderID,
			SequenceNumber: msg.SequenceNumber,
			CreatedAt:      msg.CreatedAt,
			Mine:           msg.SenderID == userID,
			Edited:         msg.Edited,
			Deleted:        msg.Deleted,
		}
		if msg.Deleted {
			d.Text = DeletedPlaceholder
		} else if text, err := m.decrypt(conversationID, msg, secret, keyErr); err != nil {
			d.Text, d.Err = UndecryptablePlaceholder, err
		} else {
			d.Text = text
		}
		out = append(out, d)

		if online && !d.Mine && !d.Deleted && msg.ReadAt == nil {
			if err := m.store.MarkRead(ctx, msg.ID); err != nil {
				m.log.Debug("read receipt not sent", zap.String("id", msg.ID), zap.Error(err))
			}
		}
	}
	return out, nil
}

// decrypt opens msg with the secret of its own key version: the current one,
// or a superseded one still held from earlier in the session.
func (m *Messenger) decrypt(conversationID string, msg models.Message, current *keys.SharedSecret, currentErr error) (string, error) {
	secret := current
	if current == nil || msg.KeyVersion != current.Version {
		cached, ok := m.keys.CachedSecret(conversationID, msg.KeyVersion)
		switch {
		case ok:
			secret = cached
		case currentErr != nil:
			return "", currentErr
		default:
			return "", apperr.New(apperr.Decryption,
				fmt.Sprintf("no key for version %d of this conversation", msg.KeyVersion))
		}
	}
	return m.keys.Decrypt(msg.Payload(), secret)
}

// cachedPage mirrors the store's pagination over the local cache.
func (m *Messenger) cachedPage(conversationID string, before int64, limit int) ([]models.Message, error) {
	cached, err := m.cache.History(conversationID)
	if err != nil {
		return nil, err
	}
	var page []models.Message
	for i := len(cached) - 1; i >= 0 && len(page) < limit; i-- {
		if before > 0 && cached[i].SequenceNumber >= before {
			continue
		}
		page = append(page, cached[i])
	}
	return page, nil
}

// Edit replaces the text of one of the user's messages while it is within
// the edit window.
func (m *Messenger) Edit(ctx context.Context, conversationID, messageID, text string) (models.Message, error) {
	userID, err := m.session()
	if err != nil {
		return models.Message{}, err
	}
	orig, err := m.cachedMessage(conversationID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if orig.SenderID != userID {
		return models.Message{}, apperr.New(apperr.Forbidden, "You can only edit your own messages")
	}
	if !m.validator.IsWithinEditWindow(orig.CreatedAt) {
		return models.Message{}, apperr.New(apperr.Validation, "Messages can only be edited within 15 minutes of sending")
	}
	if err := m.validator.ValidateMessageContent(text); err != nil {
		return models.Message{}, err
	}
	secret, err := m.secretFor(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	payload, err := m.keys.Encrypt(text, secret)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := m.store.EditMessage(ctx, messageID, payload)
	if err != nil {
		return models.Message{}, err
	}
	m.remember(conversationID, msg)
	return msg, nil
}

// Delete soft-deletes one of the user's messages while it is within the
// delete window.
func (m *Messenger) Delete(ctx context.Context, conversationID, messageID string) error {
	userID, err := m.session()
	if err != nil {
		return err
	}
	orig, err := m.cachedMessage(conversationID, messageID)
	if err != nil {
		return err
	}
	if orig.SenderID != userID {
		return apperr.New(apperr.Forbidden, "You can only delete your own messages")
	}
	if !m.validator.IsWithinDeleteWindow(orig.CreatedAt) {
		return apperr.New(apperr.Validation, "Messages can only be deleted within 15 minutes of sending")
	}
	if err := m.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	orig.Deleted = true
	orig.EncryptedContent = ""
	orig.InitializationVector = ""
	m.remember(conversationID, orig)
	return nil
}

// cachedMessage finds a message the user has already seen.
func (m *Messenger) cachedMessage(conversationID, messageID string) (models.Message, error) {
	if m.cache != nil {
		cached, err := m.cache.History(conversationID)
		if err != nil {
			return models.Message{}, err
		}
		for _, msg := range cached {
			if msg.ID == messageID {
				return msg, nil
			}
		}
	}
	return models.Message{}, apperr.New(apperr.NotFound, "Message not found, load the conversation history first")
}

func (m *Messenger) remember(conversationID string, msg models.Message) {
	if m.cache == nil {
		return
	}
	if err := m.cache.CacheHistory(conversationID, []models.Message{msg}); err != nil {
		m.log.Warn("history not cached", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
