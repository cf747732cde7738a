// Package config provides functionality for managing configuration options
// for the relay server and the client using command-line flags, a JSON
// config file, a .env file and environment variables.
//
// Precedence, lowest first: flag defaults and values, JSON config file,
// environment (a .env file only fills variables that are not already set).
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ServerOptions holds the configuration of the relay server.
type ServerOptions struct {
	// Addr is the listening address (ip:port).
	Addr string `json:"address"`
	// DatabaseDSN is the PostgreSQL connection string.
	DatabaseDSN string `json:"database_dsn"`
	// TLSCert and TLSKey are the server certificate and key.
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
	// CACert and CAKey sign client certificates and verify them.
	CACert string `json:"ca_cert"`
	CAKey  string `json:"ca_key"`
	// LogLevel is a zap level name.
	LogLevel string `json:"log_level"`
	// Retention is how long soft-deleted messages are kept.
	Retention Duration `json:"retention"`
	// CleanupInterval is how often the retention cleaner runs.
	CleanupInterval Duration `json:"cleanup_interval"`
	// KeyTTL makes published keys expire; zero disables expiry.
	KeyTTL Duration `json:"key_ttl"`
	// Metrics enables GET /metrics.
	Metrics bool `json:"metrics"`

	// Config is the path to the JSON config file.
	Config string `json:"-"`
}

// ClientOptions holds the configuration of the interactive client.
type ClientOptions struct {
	// Command is "register" or "shell".
	Command string `json:"-"`
	// BaseURL is the relay's base URL.
	BaseURL  string `json:"url"`
	CertFile string `json:"cert"`
	KeyFile  string `json:"key"`
	CAFile   string `json:"ca"`
	// Login is the username for registration.
	Login string `json:"-"`
	// DataDir holds the local store. Empty keeps everything in memory.
	DataDir  string `json:"data_dir"`
	DeviceID string `json:"device_id"`
	LogLevel string `json:"log_level"`
	// IdleTimeout signs the user out after inactivity.
	IdleTimeout Duration `json:"idle_timeout"`
	// SendTimeout is how long a send waits for confirmation before queueing.
	SendTimeout Duration `json:"send_timeout"`
	ShowVersion bool     `json:"-"`

	Config string `json:"-"`
}

// Duration is a time.Duration that reads "90s"-style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts a Go duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("duration must be a string or integer: %s", b)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// String implements flag.Value.
func (d *Duration) String() string { return time.Duration(*d).String() }

// Set implements flag.Value.
func (d *Duration) Set(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseServer parses args (without the program name) and the environment.
func ParseServer(args []string) (*ServerOptions, error) {
	o := &ServerOptions{
		Retention:       Duration(30 * 24 * time.Hour),
		CleanupInterval: Duration(time.Hour),
	}
	flags := flag.NewFlagSet("server", flag.ContinueOnError)
	flags.StringVar(&o.Addr, "a", "localhost:8080", "run on ip:port server")
	flags.StringVar(&o.DatabaseDSN, "d", "", "db address")
	flags.StringVar(&o.TLSCert, "tls-cert", "certs/server.crt", "server TLS certificate")
	flags.StringVar(&o.TLSKey, "tls-key", "certs/server.key", "server TLS key")
	flags.StringVar(&o.CACert, "ca-cert", "certs/ca.crt", "CA certificate")
	flags.StringVar(&o.CAKey, "ca-key", "certs/ca.key", "CA private key")
	flags.StringVar(&o.LogLevel, "log-level", "info", "log level")
	flags.Var(&o.Retention, "retention", "retention of deleted messages")
	flags.Var(&o.CleanupInterval, "cleanup-interval", "retention cleaner interval")
	flags.Var(&o.KeyTTL, "key-ttl", "public key lifetime, 0 for none")
	flags.BoolVar(&o.Metrics, "metrics", true, "serve /metrics")
	flags.StringVar(&o.Config, "config", "config.json", "path to config file")
	flags.StringVar(&o.Config, "c", "config.json", "path to config file (shorthand)")
	envFile := flags.String("env-file", ".env", "path to .env file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := loadDotEnv(*envFile); err != nil {
		return nil, err
	}
	if v := os.Getenv("CONFIG"); v != "" {
		o.Config = v
	}
	if err := loadJSON(o.Config, o); err != nil {
		return nil, err
	}

	envString("SERVER_ADDRESS", &o.Addr)
	envString("DATABASE_DSN", &o.DatabaseDSN)
	envString("TLS_CERT", &o.TLSCert)
	envString("TLS_KEY", &o.TLSKey)
	envString("CA_CERT", &o.CACert)
	envString("CA_KEY", &o.CAKey)
	envString("LOG_LEVEL", &o.LogLevel)
	if err := envDuration("RETENTION", &o.Retention); err != nil {
		return nil, err
	}
	if err := envDuration("CLEANUP_INTERVAL", &o.CleanupInterval); err != nil {
		return nil, err
	}
	if err := envDuration("KEY_TTL", &o.KeyTTL); err != nil {
		return nil, err
	}
	if err := envBool("METRICS", &o.Metrics); err != nil {
		return nil, err
	}

	if o.DatabaseDSN == "" {
		return nil, errors.New("database DSN is required (-d or DATABASE_DSN)")
	}
	return o, nil
}

// ParseClient parses args (without the program name) and the environment.
func ParseClient(args []string) (*ClientOptions, error) {
	o := &ClientOptions{
		IdleTimeout: Duration(30 * time.Minute),
		SendTimeout: Duration(500 * time.Millisecond),
	}
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	flags.StringVar(&o.Command, "cmd", "shell", "command: register | shell")
	flags.StringVar(&o.BaseURL, "url", "https://localhost:8080", "server base URL")
	flags.StringVar(&o.CertFile, "cert", "client.crt", "path to client cert")
	flags.StringVar(&o.KeyFile, "key", "client.key", "path to client key")
	flags.StringVar(&o.CAFile, "ca", "certs/ca.crt", "path to CA cert")
	flags.StringVar(&o.Login, "login", "", "username for registration")
	flags.StringVar(&o.DataDir, "data", "hammerchat-data", "local data directory, empty for in-memory")
	flags.StringVar(&o.DeviceID, "device", "", "device identifier published with the key")
	flags.StringVar(&o.LogLevel, "log-level", "warn", "log level")
	flags.Var(&o.IdleTimeout, "idle-timeout", "sign out after this long without activity")
	flags.Var(&o.SendTimeout, "send-timeout", "delivery confirmation timeout before queueing")
	flags.BoolVar(&o.ShowVersion, "version", false, "show build version and date")
	flags.StringVar(&o.Config, "config", "", "path to config file")
	envFile := flags.String("env-file", ".env", "path to .env file")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if err := loadDotEnv(*envFile); err != nil {
		return nil, err
	}
	if err := loadJSON(o.Config, o); err != nil {
		return nil, err
	}

	envString("HAMMERCHAT_URL", &o.BaseURL)
	envString("HAMMERCHAT_CERT", &o.CertFile)
	envString("HAMMERCHAT_KEY", &o.KeyFile)
	envString("HAMMERCHAT_CA", &o.CAFile)
	envString("HAMMERCHAT_DATA_DIR", &o.DataDir)
	envString("HAMMERCHAT_DEVICE_ID", &o.DeviceID)
	envString("LOG_LEVEL", &o.LogLevel)
	if err := envDuration("HAMMERCHAT_IDLE_TIMEOUT", &o.IdleTimeout); err != nil {
		return nil, err
	}
	if err := envDuration("HAMMERCHAT_SEND_TIMEOUT", &o.SendTimeout); err != nil {
		return nil, err
	}

	switch o.Command {
	case "register", "shell":
	default:
		return nil, fmt.Errorf("unknown command: %s", o.Command)
	}
	if o.Command == "register" && o.Login == "" {
		return nil, errors.New("please provide -login=username")
	}
	return o, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error while reading env file: %w", err)
	}
	return nil
}

func loadJSON(path string, v any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	if err := dst.Set(v); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
