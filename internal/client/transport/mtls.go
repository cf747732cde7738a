package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds every request of clients built here.
const DefaultTimeout = 10 * time.Second

func loadCAPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA cert")
	}
	return caPool, nil
}

// Register creates an account for login and writes the issued client
// certificate and key to certOut and keyOut.
func Register(ctx context.Context, baseURL, login, caPath, certOut, keyOut string) error {
	caPool, err := loadCAPool(caPath)
	if err != nil {
		return err
	}
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: caPool, MinVersion: tls.VersionTLS12}},
		Timeout:   DefaultTimeout,
	}
	return register(ctx, client, baseURL, login, certOut, keyOut)
}

func register(ctx context.Context, client *http.Client, baseURL, login, certOut, keyOut string) error {
	b, err := json.Marshal(map[string]string{"login": login})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/register", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError("register", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("register", resp)
	}

	var certData struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&certData); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := os.WriteFile(certOut, []byte(certData.Cert), 0600); err != nil {
		return fmt.Errorf("failed to save %s: %w", certOut, err)
	}
	if err := os.WriteFile(keyOut, []byte(certData.Key), 0600); err != nil {
		return fmt.Errorf("failed to save %s: %w", keyOut, err)
	}
	return nil
}

// LoadClientCertificate builds an HTTP client that authenticates with the
// given certificate and trusts only caFile.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	caPool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return &http.Client{Transport: transport, Timeout: DefaultTimeout}, nil
}
