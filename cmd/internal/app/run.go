package app

import (
	"context"
	"os/signal"
	"syscall"

	"authd/cmd/security/password"
)

// Run is the CLI entrypoint used by cmd/authd.
// It returns an error instead of calling os.Exit to keep defers effective and lint clean.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	pc, err := password.FromEnv()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log, WithPasswordConfig(pc))
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
