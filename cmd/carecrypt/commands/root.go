package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"carecrypt/internal/app"
	"carecrypt/internal/secrets"
)

var (
	settings   = app.NewViper()
	passphrase string
	verbose    bool
	trustNew   bool

	cfg    app.Config
	wire   *app.Wire
	logger *zap.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:          "carecrypt",
		Short:        "End-to-end encrypted messaging for care teams",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(); err != nil {
				return err
			}
			return build(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return teardown()
		},
	}

	pf := root.PersistentFlags()
	pf.String("home", app.DefaultHome(), "config and key store dir")
	pf.String("config", "", "config file (default <home>/config.yaml)")
	pf.String("self", "", "local peer id")
	pf.String("store", app.DriverFile, "key store driver: file, sqlite, postgres or memory")
	pf.String("dsn", "", "database DSN for the sqlite and postgres stores")
	pf.String("relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	pf.String("redis", "", "redis address, used instead of a relay")
	pf.StringVarP(&passphrase, "passphrase", "p", "", "passphrase to protect keys (or "+secrets.EnvPassphrase+")")
	pf.BoolVarP(&verbose, "verbose", "v", false, "development logging")
	pf.BoolVar(&trustNew, "trust-new", false, "pin first-seen peer identities without asking")

	for key, flag := range map[string]string{
		"home":         "home",
		"config":       "config",
		"self":         "self",
		"store.driver": "store",
		"store.dsn":    "dsn",
		"relay.url":    "relay",
		"redis.addr":   "redis",
	} {
		if err := settings.BindPFlag(key, pf.Lookup(flag)); err != nil {
			return err
		}
	}

	root.AddCommand(initCmd(), fingerprintCmd(), rotateCmd(), statusCmd(),
		sendCmd(), recvCmd(), verifyCmd(), keychainCmd())
	return root.ExecuteContext(context.Background())
}

// setup loads configuration and the logger; it does not touch key material.
func setup() error {
	var err error
	if cfg, err = app.LoadConfig(settings); err != nil {
		return err
	}
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		zc := zap.NewProductionConfig()
		zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err = zc.Build()
	}
	return err
}

// build resolves the passphrase, opens the stores and starts the engine.
func build(ctx context.Context) error {
	if cfg.Store.Driver != app.DriverMemory {
		pass, err := secrets.Resolve(passphrase, cfg.Self, openKeychain())
		if err != nil {
			return err
		}
		cfg.Passphrase = pass
	}
	cfg.Logger = logger
	cfg.Confirmer = app.Prompt(os.Stdin, os.Stderr)
	if trustNew {
		cfg.Confirmer = app.TrustOnFirstUse
	}

	var err error
	if wire, err = app.NewWire(ctx, cfg); err != nil {
		return err
	}
	if err := wire.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if n := wire.Engine.Tick(ctx); n > 0 {
		logger.Info("ran overdue tasks", zap.Int("tasks", n))
	}
	return nil
}

func teardown() error {
	if logger != nil {
		_ = logger.Sync()
	}
	if wire == nil {
		return nil
	}
	return wire.Close()
}

// openKeychain returns nil when no keychain backend is available.
func openKeychain() *secrets.Keychain {
	k, err := secrets.Open()
	if err != nil {
		if logger != nil {
			logger.Debug("keychain unavailable", zap.Error(err))
		}
		return nil
	}
	return k
}
