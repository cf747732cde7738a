package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atinyakov/hammerchat/internal/apperr"
	"github.com/atinyakov/hammerchat/internal/certgen"
	"github.com/atinyakov/hammerchat/internal/models"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client(), nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSendMessage(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req struct {
			ID         string `json:"id"`
			Ciphertext string `json:"ciphertext"`
			IV         string `json:"iv"`
			KeyVersion int    `json:"key_version"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.ID)
		assert.Equal(t, "Y3Q=", req.Ciphertext)
		assert.Equal(t, 2, req.KeyVersion)
		writeJSON(w, http.StatusCreated, models.Message{
			ID:                   req.ID,
			ConversationID:       chi.URLParam(r, "id"),
			EncryptedContent:     req.Ciphertext,
			InitializationVector: req.IV,
			KeyVersion:           req.KeyVersion,
			SequenceNumber:       7,
		})
	})
	c := newTestClient(t, r)

	msg, err := c.SendMessage(context.Background(), "c1", "m1", models.EncryptedPayload{Ciphertext: "Y3Q=", IV: "aXY=", KeyVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.SequenceNumber)
	assert.Equal(t, "c1", msg.ConversationID)

	err = c.Deliver(context.Background(), models.QueuedMessage{
		ID: "m1", ConversationID: "c1", EncryptedContent: "Y3Q=", InitializationVector: "aXY=", KeyVersion: 2,
	})
	assert.NoError(t, err)
}

func TestMessages_Query(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "40", r.URL.Query().Get("before"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, []models.Message{{ID: "m2", SequenceNumber: 39}, {ID: "m1", SequenceNumber: 38}})
	}))

	msgs, err := c.Messages(context.Background(), "c1", 40, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
}

func TestDirectoryCalls(t *testing.T) {
	r := chi.NewRouter()
	r.Put("/api/keys", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		writeJSON(w, http.StatusOK, models.UserEncryptionKey{ID: 1, UserID: "alice", PublicKey: in["public_key"], DeviceID: in["device_id"]})
	})
	r.Get("/api/keys/{userID}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "userID") != "bob" {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, models.UserEncryptionKey{UserID: "bob", PublicKey: "{}"})
	})
	r.Post("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, models.ConversationKey{ConversationID: "c1", UserID: "alice", PeerID: "bob", KeyVersion: 1})
	})
	r.Get("/api/conversations/{id}/key", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.ConversationKey{ConversationID: chi.URLParam(r, "id"), KeyVersion: 3})
	})
	r.Put("/api/conversations/{id}/key", func(w http.ResponseWriter, r *http.Request) {
		var in models.ConversationKey
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, 3, in.KeyVersion)
		assert.Equal(t, "check", in.EncryptedSharedSecret)
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/api/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": "alice"})
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	user, err := c.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	key, err := c.PublishKey(ctx, `{"kty":"EC"}`, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", key.DeviceID)

	peer, err := c.FetchPublicKey(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", peer.UserID)

	_, err = c.FetchPublicKey(ctx, "carol")
	assert.True(t, errors.Is(err, apperr.NotFound))
	assert.Equal(t, "key not found", apperr.MessageOf(err))

	ck, err := c.CreateConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "c1", ck.ConversationID)

	ck, err = c.ConversationKey(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, ck.KeyVersion)

	assert.NoError(t, c.StoreKeyCheck(ctx, "c1", 3, "check"))
}

func TestMessageMutations(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/messages/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Patch("/api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "old" {
			http.Error(w, "edit window has expired", http.StatusForbidden)
			return
		}
		var p models.EncryptedPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		writeJSON(w, http.StatusOK, models.Message{ID: chi.URLParam(r, "id"), EncryptedContent: p.Ciphertext, Edited: true})
	})
	r.Delete("/api/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	assert.NoError(t, c.MarkRead(ctx, "m1"))

	msg, err := c.EditMessage(ctx, "m1", models.EncryptedPayload{Ciphertext: "bmV3", IV: "aXY="})
	require.NoError(t, err)
	assert.True(t, msg.Edited)
	assert.Equal(t, "bmV3", msg.EncryptedContent)

	_, err = c.EditMessage(ctx, "old", models.EncryptedPayload{Ciphertext: "bmV3", IV: "aXY="})
	assert.True(t, errors.Is(err, apperr.Forbidden))

	assert.NoError(t, c.DeleteMessage(ctx, "m1"))
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   apperr.Kind
	}{
		{http.StatusBadRequest, apperr.Validation},
		{http.StatusUnauthorized, apperr.Authentication},
		{http.StatusForbidden, apperr.Forbidden},
		{http.StatusNotFound, apperr.NotFound},
		{http.StatusConflict, apperr.Conflict},
		{http.StatusTooManyRequests, apperr.Connection},
		{http.StatusInternalServerError, apperr.Connection},
		{http.StatusServiceUnavailable, apperr.Connection},
		{http.StatusTeapot, apperr.Unknown},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			_, err := c.FetchPublicKey(context.Background(), "bob")
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
			assert.Equal(t, http.StatusText(tc.status), apperr.MessageOf(err))
		})
	}
}

func TestConnectionErrors(t *testing.T) {
	t.Run("server down", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		c := New(url, &http.Client{}, nil)
		_, err := c.SendMessage(context.Background(), "c1", "m1", models.EncryptedPayload{Ciphertext: "a", IV: "b"})
		assert.True(t, errors.Is(err, apperr.Connection))
		assert.True(t, apperr.IsRetryable(err))
	})

	t.Run("confirmation timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		c := New(srv.URL, srv.Client(), nil)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.SendMessage(ctx, "c1", "m1", models.EncryptedPayload{Ciphertext: "a", IV: "b"})
		assert.True(t, errors.Is(err, apperr.Connection))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestDecodeError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json")
	}))
	_, err := c.FetchPublicKey(context.Background(), "bob")
	assert.ErrorContains(t, err, "decode response")
}

// pki writes a CA plus server and client pairs and returns their paths.
func pki(t *testing.T, user string) (dir string, serverCert tls.Certificate, caPool *x509.CertPool) {
	t.Helper()
	dir = t.TempDir()
	caCertPEM, caKeyPEM, err := certgen.GenerateCA("Test CA")
	require.NoError(t, err)
	require.NoError(t, certgen.WritePair(dir, "ca", caCertPEM, caKeyPEM))
	caCert, caKey, err := certgen.ParseCA(caCertPEM, caKeyPEM)
	require.NoError(t, err)

	srvCertPEM, srvKeyPEM, err := certgen.GenerateServerCertificate([]string{"127.0.0.1"}, caCert, caKey)
	require.NoError(t, err)
	serverCert, err = tls.X509KeyPair(srvCertPEM, srvKeyPEM)
	require.NoError(t, err)

	if user != "" {
		cliCertPEM, cliKeyPEM, err := certgen.GenerateUserCertificate(user, caCert, caKey)
		require.NoError(t, err)
		require.NoError(t, certgen.WritePair(dir, "client", cliCertPEM, cliKeyPEM))
	}
	caPool = x509.NewCertPool()
	caPool.AddCert(caCert)
	return dir, serverCert, caPool
}

func TestLoadClientCertificate_MutualTLS(t *testing.T) {
	dir, serverCert, caPool := pki(t, "alice")

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotNil(t, r.TLS)
		require.NotEmpty(t, r.TLS.PeerCertificates)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "user": r.TLS.PeerCertificates[0].Subject.CommonName})
	}))
	srv.TLS = &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
	}
	srv.StartTLS()
	defer srv.Close()

	httpClient, err := LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), filepath.Join(dir, "ca.crt"))
	require.NoError(t, err)

	user, err := New(srv.URL, httpClient, nil).Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestLoadClientCertificate_Errors(t *testing.T) {
	dir, _, _ := pki(t, "alice")

	_, err := LoadClientCertificate("missing.crt", "missing.key", filepath.Join(dir, "ca.crt"))
	assert.ErrorContains(t, err, "failed to load client cert/key")

	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), "missing-ca.crt")
	assert.ErrorContains(t, err, "failed to read CA cert")

	bad := filepath.Join(dir, "bad.crt")
	require.NoError(t, os.WriteFile(bad, []byte("junk"), 0o600))
	_, err = LoadClientCertificate(filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key"), bad)
	assert.ErrorContains(t, err, "failed to parse CA cert")
}

func TestRegister(t *testing.T) {
	dir, serverCert, _ := pki(t, "")
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/register", r.URL.Path)
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		if in["login"] == "taken" {
			http.Error(w, "user already exists", http.StatusConflict)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cert": "CERT PEM", "key": "KEY PEM"})
	}))
	srv.TLS = &tls.Config{Certificates: []tls.Certificate{serverCert}}
	srv.StartTLS()
	defer srv.Close()

	certOut := filepath.Join(dir, "alice.crt")
	keyOut := filepath.Join(dir, "alice.key")
	require.NoError(t, Register(context.Background(), srv.URL, "alice", filepath.Join(dir, "ca.crt"), certOut, keyOut))

	b, err := os.ReadFile(certOut)
	require.NoError(t, err)
	assert.Equal(t, "CERT PEM", string(b))
	info, err := os.Stat(keyOut)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = Register(context.Background(), srv.URL, "taken", filepath.Join(dir, "ca.crt"), certOut, keyOut)
	assert.True(t, errors.Is(err, apperr.Conflict))
	assert.Equal(t, "user already exists", apperr.MessageOf(err))
}
