// Package main initializes and starts the hammerchat relay: an HTTPS server
// with client-certificate identity that stores public keys and ciphertext.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/certgen"
	"github.com/atinyakov/hammerchat/internal/config"
	"github.com/atinyakov/hammerchat/internal/db"
	"github.com/atinyakov/hammerchat/internal/logger"
	"github.com/atinyakov/hammerchat/internal/metrics"
	"github.com/atinyakov/hammerchat/internal/repository"
	"github.com/atinyakov/hammerchat/internal/server/handler/http"
	"github.com/atinyakov/hammerchat/internal/service"
	"github.com/atinyakov/hammerchat/internal/validation"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	options, err := config.ParseServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgresDB, err := db.InitPostgres(options.DatabaseDSN)
	if err != nil {
		zapLogger.Fatal("cannot init database", zap.Error(err))
	}
	defer postgresDB.Close()

	db.StartRetentionCleaner(ctx, postgresDB,
		options.CleanupInterval.Std(),
		options.Retention.Std(),
		zapLogger,
	)

	caCert, caKey, err := certgen.LoadCACredentials(options.CACert, options.CAKey)
	if err != nil {
		zapLogger.Fatal("failed to load CA credentials", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := metrics.NewHTTP(reg)
	var gatherer prometheus.Gatherer
	if options.Metrics {
		gatherer = reg
	}

	validator := validation.New()

	authRepo := repository.NewPostgresAuthRepository(postgresDB)
	keyRepo := repository.NewPostgresKeyRepository(postgresDB)
	convRepo := repository.NewPostgresConversationRepository(postgresDB)
	msgRepo := repository.NewPostgresMessageRepository(postgresDB)

	authService := service.NewAuthService(authRepo, validator)
	directoryService := service.NewDirectoryService(keyRepo, convRepo, authRepo, validator,
		service.WithKeyTTL(options.KeyTTL.Std()),
		service.WithDirectoryLogger(zapLogger),
	)
	messageService := service.NewMessageService(msgRepo, convRepo, validator, httpMetrics)

	router := http.NewRouter(http.Handlers{
		Auth:      &http.AuthHandler{AuthService: authService, CACert: caCert, CAKey: caKey, Log: zapLogger},
		Directory: &http.DirectoryHandler{Directory: directoryService, Log: zapLogger},
		Messages:  &http.MessageHandler{Messages: messageService, Log: zapLogger},
	}, httpMetrics, gatherer, zapLogger)

	cert, err := tls.LoadX509KeyPair(options.TLSCert, options.TLSKey)
	if err != nil {
		zapLogger.Fatal("failed to load server TLS cert/key", zap.Error(err))
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AddCert(caCert)

	// Registration runs without a certificate, so client certs are verified
	// only when presented; CertAuth rejects their absence everywhere else.
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}

	server := &nethttp.Server{
		Addr:              options.Addr,
		Handler:           router,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	zapLogger.Info("starting HTTPS server", zap.String("addr", options.Addr))
	if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		zapLogger.Fatal("failed to start HTTPS server", zap.Error(err))
	}
	zapLogger.Info("server stopped")
}
