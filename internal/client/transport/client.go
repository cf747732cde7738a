// Package transport is the client side of the relay API: user directory,
// conversation keys and the message store, over mutually authenticated TLS.
// Failures come back classified as apperr kinds; every network failure is a
// Connection error so callers can fall back to the offline queue.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/models"
)

// Client talks to the relay server.
type Client struct {
	http    *http.Client
	baseURL string
	log     *zap.Logger
}

// New returns a Client for baseURL using httpClient, typically built by
// LoadClientCertificate.
func New(baseURL string, httpClient *http.Client, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{http: httpClient, baseURL: baseURL, log: log}
}

// Login confirms the certificate identity and returns the user id.
func (c *Client) Login(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
		User   string `json:"user"`
	}
	if err := c.do(ctx, "login", http.MethodPost, "/api/login", nil, &resp); err != nil {
		return "", err
	}
	return resp.User, nil
}

// PublishKey publishes the caller's public key, replacing the previous one.
func (c *Client) PublishKey(ctx context.Context, jwk, deviceID string) (models.UserEncryptionKey, error) {
	in := map[string]string{"public_key": jwk, "device_id": deviceID}
	var key models.UserEncryptionKey
	err := c.do(ctx, "publish key", http.MethodPut, "/api/keys", in, &key)
	return key, err
}

// FetchPublicKey returns the active public key of userID.
func (c *Client) FetchPublicKey(ctx context.Context, userID string) (models.UserEncryptionKey, error) {
	var key models.UserEncryptionKey
	err := c.do(ctx, "fetch key", http.MethodGet, "/api/keys/"+url.PathEscape(userID), nil, &key)
	return key, err
}

// CreateConversation opens a conversation with peerID, or returns the
// existing one, as the caller's ConversationKey.
func (c *Client) CreateConversation(ctx context.Context, peerID string) (models.ConversationKey, error) {
	var ck models.ConversationKey
	err := c.do(ctx, "create conversation", http.MethodPost, "/api/conversations", map[string]string{"peer_id": peerID}, &ck)
	return ck, err
}

// ConversationKey returns the caller's key metadata for a conversation.
func (c *Client) ConversationKey(ctx context.Context, conversationID string) (models.ConversationKey, error) {
	var ck models.ConversationKey
	err := c.do(ctx, "conversation key", http.MethodGet, conversationPath(conversationID)+"/key", nil, &ck)
	return ck, err
}

// StoreKeyCheck publishes the key-check value for keyVersion.
func (c *Client) StoreKeyCheck(ctx context.Context, conversationID string, keyVersion int, value string) error {
	in := struct {
		KeyVersion            int    `json:"key_version"`
		EncryptedSharedSecret string `json:"encrypted_shared_secret"`
	}{keyVersion, value}
	return c.do(ctx, "store key check", http.MethodPut, conversationPath(conversationID)+"/key", in, nil)
}

type sendRequest struct {
	ID string `json:"id"`
	models.EncryptedPayload
}

// SendMessage appends ciphertext to a conversation. Resending the same id is
// safe: the store returns the message it already holds.
func (c *Client) SendMessage(ctx context.Context, conversationID, id string, payload models.EncryptedPayload) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, "send message", http.MethodPost, conversationPath(conversationID)+"/messages",
		sendRequest{ID: id, EncryptedPayload: payload}, &msg)
	return msg, err
}

// Deliver sends a queued message.
func (c *Client) Deliver(ctx context.Context, item models.QueuedMessage) error {
	_, err := c.SendMessage(ctx, item.ConversationID, item.ID, item.Payload())
	return err
}

// Messages returns up to limit messages with sequence number below before,
// newest first. before <= 0 starts at the newest message.
func (c *Client) Messages(ctx context.Context, conversationID string, before int64, limit int) ([]models.Message, error) {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := conversationPath(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var msgs []models.Message
	err := c.do(ctx, "list messages", http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// MarkRead records delivery and read receipts for a message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, "mark read", http.MethodPost, messagePath(messageID)+"/read", nil, nil)
}

// EditMessage replaces the ciphertext of a message.
func (c *Client) EditMessage(ctx context.Context, messageID string, payload models.EncryptedPayload) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, "edit message", http.MethodPatch, messagePath(messageID), payload, &msg)
	return msg, err
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, "delete message", http.MethodDelete, messagePath(messageID), nil, nil)
}

func conversationPath(id string) string { return "/api/conversations/" + url.PathEscape(id) }

func messagePath(id string) string { return "/api/messages/" + url.PathEscape(id) }

// do sends in as JSON and decodes a 2xx response into out.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Debug("request failed", zap.String("op", op), zap.Error(err))
		return classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
