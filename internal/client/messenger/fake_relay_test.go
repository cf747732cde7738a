package messenger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConversation struct {
	id      string
	users   [2]string
	version int
	check   string
}

// fakeRelay is an in-memory user directory and message store shared by
// several users.
type fakeRelay struct {
	mu      sync.Mutex
	clock   *fakeClock
	keys    map[string]string
	convs   map[string]*fakeConversation
	msgs    map[string][]models.Message
	offline bool
	// slow, when not nil, holds SendMessage until it is closed
	slow    chan struct{}
	nextID  int
}

func newFakeRelay(clock *fakeClock) *fakeRelay {
	return &fakeRelay{
		clock: clock,
		keys:  make(map[string]string),
		convs: make(map[string]*fakeConversation),
		msgs:  make(map[string][]models.Message),
	}
}

func (r *fakeRelay) SetOffline(v bool) {
	r.mu.Lock()
	r.offline = v
	r.mu.Unlock()
}

func (r *fakeRelay) SetSlow(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case v && r.slow == nil:
		r.slow = make(chan struct{})
	case !v && r.slow != nil:
		close(r.slow)
		r.slow = nil
	}
}

// Stored returns the raw stored messages of a conversation in sequence order.
func (r *fakeRelay) Stored(conversationID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.msgs[conversationID]...)
}

func (r *fakeRelay) Tamper(conversationID string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.msgs[conversationID] {
		if r.msgs[conversationID][i].SequenceNumber == seq {
			r.msgs[conversationID][i].EncryptedContent = "AAAAAAAAAAAAAAAAAAAAAAAAAAAA"
		}
	}
}

func (r *fakeRelay) SetCheck(conversationID, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs[conversationID].check = value
}

func (r *fakeRelay) As(userID string) *relayView {
	return &relayView{r: r, user: userID}
}

// relayView is the relay as seen by one authenticated user.
type relayView struct {
	r    *fakeRelay
	user string
}

var errOffline = apperr.New(apperr.Connection, "relay offline")

func (v *relayView) lock() error {
	v.r.mu.Lock()
	if v.r.offline {
		v.r.mu.Unlock()
		return errOffline
	}
	return nil
}

func (v *relayView) PublishKey(_ context.Context, jwk, deviceID string) (models.UserEncryptionKey, error) {
	if err := v.lock(); err != nil {
		return models.UserEncryptionKey{}, err
	}
	defer v.r.mu.Unlock()
	if old, ok := v.r.keys[v.user]; ok && old != jwk {
		for _, c := range v.r.convs {
			if c.users[0] == v.user || c.users[1] == v.user {
				c.version++
				c.check = ""
			}
		}
	}
	v.r.keys[v.user] = jwk
	return models.UserEncryptionKey{UserID: v.user, PublicKey: jwk, DeviceID: deviceID}, nil
}

func (v *relayView) FetchPublicKey(_ context.Context, userID string) (models.UserEncryptionKey, error) {
	if err := v.lock(); err != nil {
		return models.UserEncryptionKey{}, err
	}
	defer v.r.mu.Unlock()
	jwk, ok := v.r.keys[userID]
	if !ok {
		return models.UserEncryptionKey{}, apperr.New(apperr.NotFound, "key not found")
	}
	return models.UserEncryptionKey{UserID: userID, PublicKey: jwk}, nil
}

func (v *relayView) keyFor(c *fakeConversation) models.ConversationKey {
	peer := c.users[0]
	if peer == v.user {
		peer = c.users[1]
	}
	return models.ConversationKey{
		ConversationID:        c.id,
		UserID:                v.user,
		PeerID:                peer,
		EncryptedSharedSecret: c.check,
		KeyVersion:            c.version,
	}
}

func (v *relayView) CreateConversation(_ context.Context, peerID string) (models.ConversationKey, error) {
	if err := v.lock(); err != nil {
		return models.ConversationKey{}, err
	}
	defer v.r.mu.Unlock()
	if _, ok := v.r.keys[peerID]; !ok {
		return models.ConversationKey{}, apperr.New(apperr.NotFound, "user not found")
	}
	for _, c := range v.r.convs {
		if (c.users[0] == v.user && c.users[1] == peerID) || (c.users[1] == v.user && c.users[0] == peerID) {
			return v.keyFor(c), nil
		}
	}
	v.r.nextID++
	c := &fakeConversation{id: fmt.Sprintf("conv-%d", v.r.nextID), users: [2]string{v.user, peerID}, version: 1}
	v.r.convs[c.id] = c
	return v.keyFor(c), nil
}

func (v *relayView) conv(id string) (*fakeConversation, error) {
	c, ok := v.r.convs[id]
	if !ok || (c.users[0] != v.user && c.users[1] != v.user) {
		return nil, apperr.New(apperr.NotFound, "conversation not found")
	}
	return c, nil
}

func (v *relayView) ConversationKey(_ context.Context, conversationID string) (models.ConversationKey, error) {
	if err := v.lock(); err != nil {
		return models.ConversationKey{}, err
	}
	defer v.r.mu.Unlock()
	c, err := v.conv(conversationID)
	if err != nil {
		return models.ConversationKey{}, err
	}
	return v.keyFor(c), nil
}

func (v *relayView) StoreKeyCheck(_ context.Context, conversationID string, keyVersion int, value string) error {
	if err := v.lock(); err != nil {
		return err
	}
	defer v.r.mu.Unlock()
	c, err := v.conv(conversationID)
	if err != nil {
		return err
	}
	if c.version != keyVersion {
		return apperr.New(apperr.Conflict, "stale key version")
	}
	if c.check == "" {
		c.check = value
	}
	return nil
}

func (v *relayView) SendMessage(ctx context.Context, conversationID, id string, p models.EncryptedPayload) (models.Message, error) {
	v.r.mu.Lock()
	slow := v.r.slow
	v.r.mu.Unlock()
	if slow != nil {
		select {
		case <-ctx.Done():
			return models.Message{}, apperr.Wrap(apperr.Connection, "message store unavailable", ctx.Err())
		case <-slow:
		}
	}
	if err := v.lock(); err != nil {
		return models.Message{}, err
	}
	defer v.r.mu.Unlock()
	if _, err := v.conv(conversationID); err != nil {
		return models.Message{}, err
	}
	msgs := v.r.msgs[conversationID]
	for _, m := range msgs {
		if m.ID == id {
			return m, nil
		}
	}
	msg := models.Message{
		ID:                   id,
		ConversationID:       conversationID,
		SenderID:             v.user,
		EncryptedContent:     p.Ciphertext,
		InitializationVector: p.IV,
		KeyVersion:           p.KeyVersion,
		SequenceNumber:       int64(len(msgs) + 1),
		CreatedAt:            v.r.clock.Now(),
	}
	v.r.msgs[conversationID] = append(msgs, msg)
	return msg, nil
}

func (v *relayView) Messages(_ context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	if err := v.lock(); err != nil {
		return nil, err
	}
	defer v.r.mu.Unlock()
	if _, err := v.conv(conversationID); err != nil {
		return nil, err
	}
	all := append([]models.Message(nil), v.r.msgs[conversationID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].SequenceNumber > all[j].SequenceNumber })
	var out []models.Message
	for _, m := range all {
		if before > 0 && m.SequenceNumber >= before {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (v *relayView) update(messageID string, fn func(*models.Message) error) (models.Message, error) {
	if err := v.lock(); err != nil {
		return models.Message{}, err
	}
	defer v.r.mu.Unlock()
	for cid, msgs := range v.r.msgs {
		for i := range msgs {
			if msgs[i].ID == messageID {
				if err := fn(&v.r.msgs[cid][i]); err != nil {
					return models.Message{}, err
				}
				return v.r.msgs[cid][i], nil
			}
		}
	}
	return models.Message{}, apperr.New(apperr.NotFound, "message not found")
}

func (v *relayView) MarkRead(_ context.Context, messageID string) error {
	_, err := v.update(messageID, func(m *models.Message) error {
		now := v.r.clock.Now()
		m.ReadAt = &now
		return nil
	})
	return err
}

func (v *relayView) EditMessage(_ context.Context, messageID string, p models.EncryptedPayload) (models.Message, error) {
	return v.update(messageID, func(m *models.Message) error {
		if m.SenderID != v.user {
			return apperr.New(apperr.Forbidden, "not your message")
		}
		now := v.r.clock.Now()
		m.EncryptedContent, m.InitializationVector, m.KeyVersion = p.Ciphertext, p.IV, p.KeyVersion
		m.Edited, m.EditedAt = true, &now
		return nil
	})
}

func (v *relayView) DeleteMessage(_ context.Context, messageID string) error {
	_, err := v.update(messageID, func(m *models.Message) error {
		if m.SenderID != v.user {
			return apperr.New(apperr.Forbidden, "not your message")
		}
		m.Deleted = true
		m.EncryptedContent, m.InitializationVector = "", ""
		return nil
	})
	return err
}
