// Package main is the hammerchat terminal client: register obtains a client
// certificate, shell opens an end-to-end encrypted chat session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/atinyakov/hammerchat/internal/client/keys"
	"github.com/atinyakov/hammerchat/internal/client/messenger"
	"github.com/atinyakov/hammerchat/internal/client/queue"
	"github.com/atinyakov/hammerchat/internal/client/storage"
	"github.com/atinyakov/hammerchat/internal/client/transport"
	"github.com/atinyakov/hammerchat/internal/config"
	"github.com/atinyakov/hammerchat/internal/logger"
	"github.com/atinyakov/hammerchat/internal/models"
	"github.com/atinyakov/hammerchat/internal/validation"
)

var (
	version   string
	buildDate string
)

// main parses flags and dispatches to the register or shell commands.
func main() {
	opts, err := config.ParseClient(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.ShowVersion {
		fmt.Printf("hammerchat client\nVersion: %s\nBuild Date: %s\n", version, buildDate)
		return
	}

	log := logger.New()
	if err := log.InitConsole(opts.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch opts.Command {
	case "register":
		if err := transport.Register(ctx, opts.BaseURL, opts.Login, opts.CAFile, opts.CertFile, opts.KeyFile); err != nil {
			log.Log.Fatal("registration failed", zap.Error(err))
		}
		fmt.Printf("Registered %s, certificate written to %s\n", opts.Login, opts.CertFile)
	case "shell":
		if err := runShell(ctx, opts, log.Log); err != nil {
			log.Log.Fatal("shell failed", zap.Error(err))
		}
	}
}

func runShell(ctx context.Context, opts *config.ClientOptions, log *zap.Logger) error {
	httpClient, err := transport.LoadClientCertificate(opts.CertFile, opts.KeyFile, opts.CAFile)
	if err != nil {
		return err
	}
	client := transport.New(opts.BaseURL, httpClient, log)

	user, err := client.Login(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	local, err := storage.Open(opts.DataDir, log)
	if err != nil {
		return err
	}
	defer local.Close()
	if n, err := local.Prune(); err != nil {
		log.Warn("history prune failed", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned expired history", zap.Int("removed", n))
	}

	q := queue.New(local, client,
		queue.WithLogger(log),
		queue.WithFailureHandler(func(item models.QueuedMessage) {
			fmt.Printf("\nmessage %s could not be delivered: %s (use 'retry %s' or 'discard %s')\n",
				item.ID, item.LastError, item.ID, item.ID)
		}),
	)

	v := validation.New()
	m := messenger.New(keys.NewManager(), v, client, client, q, local,
		messenger.WithLogger(log),
		messenger.WithDeviceID(opts.DeviceID),
		messenger.WithSendTimeout(opts.SendTimeout.Std()),
		messenger.WithIdleTimeout(opts.IdleTimeout.Std()),
		messenger.WithIdleHandler(func() {
			fmt.Println("\nsession expired after inactivity, use 'login' to sign in again")
		}),
	)
	defer m.SignOut()

	fmt.Printf("Connected as %s. Type 'login' to unlock your keys, 'help' for commands.\n", user)
	newShell(m, q, v, user, os.Stdin, os.Stdout).run(ctx)
	return nil
}
