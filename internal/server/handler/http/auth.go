// Package http provides the relay's HTTP API: registration and certificate
// login, the public key directory, conversations and the message store.
package http

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/certgen"
)

// AuthService defines the interface for authentication operations
// required by the HTTP handlers.
type AuthService interface {
	// UserExists checks whether a user with the given login exists.
	// Returns true if the user exists, false otherwise.
	UserExists(context.Context, string) (bool, error)
	// RegisterUser validates and registers a new user with the given login.
	RegisterUser(context.Context, string) error
}

// AuthHandler handles HTTP requests for user registration and login.
type AuthHandler struct {
	// AuthService performs the underlying authentication operations.
	AuthService AuthService
	// CACert and CAKey sign the client certificates handed out at registration.
	CACert *x509.Certificate
	CAKey  any
	Log    *zap.Logger
}

// RegisterRequest represents the JSON payload for user registration.
type RegisterRequest struct {
	// Login is the username to register.
	Login string `json:"login"`
}

// Register handles user registration requests.
// It expects a JSON body with a "login" field. If the login is valid and
// free, it issues a client certificate signed by the CA, stores the user and
// returns the PEM-encoded certificate and private key. The key is never kept
// on the server.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := loggerOrNop(h.Log)
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Login == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	exists, err := h.AuthService.UserExists(r.Context(), req.Login)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if exists {
		http.Error(w, "user already exists", http.StatusConflict)
		return
	}

	if h.CACert == nil || h.CAKey == nil {
		log.Error("registration attempted without CA credentials")
		http.Error(w, "failed to load CA", http.StatusInternalServerError)
		return
	}
	certPEM, keyPEM, err := certgen.GenerateUserCertificate(req.Login, h.CACert, h.CAKey)
	if err != nil {
		log.Error("certificate generation failed", zap.Error(err))
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}

	if err := h.AuthService.RegisterUser(r.Context(), req.Login); err != nil {
		writeError(w, log, err)
		return
	}
	log.Info("user registered", zap.String("user", req.Login))

	writeJSON(w, http.StatusOK, map[string]string{
		"cert": string(certPEM),
		"key":  string(keyPEM),
	})
}

// Login handles certificate-based login requests.
// The CommonName of the client certificate is the login. If the user exists,
// it returns a JSON status "ok" and the username.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	login := r.TLS.PeerCertificates[0].Subject.CommonName

	exists, err := h.AuthService.UserExists(r.Context(), login)
	if err != nil {
		writeError(w, loggerOrNop(h.Log), err)
		return
	}
	if !exists {
		http.Error(w, "user not found", http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"user":   login,
	})
}
