package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"carecrypt/internal/audit"
	"carecrypt/internal/directory/redisdir"
	"carecrypt/internal/domain"
	"carecrypt/internal/engine"
	"carecrypt/internal/metrics"
	"carecrypt/internal/relay"
	"carecrypt/internal/store"
	"carecrypt/internal/store/sqlstore"
)

// Directory is a key directory that also carries frames: the HTTP relay
// client, the redis directory or the in-memory directory.
type Directory interface {
	domain.KeyDistribution
	domain.Transport
	domain.Inbox
}

// Wire bundles the store, directory and engine for the CLI.
type Wire struct {
	Self      domain.PeerID
	Store     domain.KeyStore
	Directory Directory
	Engine    *engine.Engine
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	closers []io.Closer
}

// NewWire constructs the dependency graph from cfg. The engine is built
// but not started.
func NewWire(ctx context.Context, cfg Config) (*Wire, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Wire{Self: domain.PeerID(cfg.Self), Logger: logger}

	ks, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w.Store = ks
	if c, ok := ks.(io.Closer); ok {
		w.closers = append(w.closers, c)
	}

	if w.Directory, err = w.openDirectory(ctx, cfg); err != nil {
		w.Close()
		return nil, err
	}

	auditors := audit.Multi{audit.NewZapSink(logger)}
	if cfg.Metrics != nil {
		if w.Metrics, err = metrics.New(cfg.Metrics); err != nil {
			w.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		auditors = append(auditors, w.Metrics)
	}

	w.Engine, err = engine.New(engine.Config{
		Self:             w.Self,
		RotationInterval: cfg.Keys.RotationInterval,
		KeyLifetime:      cfg.Keys.Lifetime,
		InitialBatch:     cfg.Keys.InitialBatch,
		RotationBatch:    cfg.Keys.RotationBatch,
		ReplayWindow:     cfg.Replay.Window,
		ReplayCapacity:   cfg.Replay.Capacity,
		PendingTimeout:   cfg.Handshake.PendingTimeout,
		IdleTimeout:      cfg.Handshake.IdleTimeout,
	}, engine.Deps{
		Store:     w.Store,
		Directory: w.Directory,
		Transport: w.Directory,
		Confirmer: cfg.Confirmer,
		Auditor:   auditors,
		Logger:    logger,
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func openStore(ctx context.Context, cfg Config) (domain.KeyStore, error) {
	switch cfg.Store.Driver {
	case DriverMemory:
		return store.NewMemoryStore(), nil
	case DriverFile:
		if cfg.Passphrase == "" {
			return nil, errors.New("passphrase required for the file store")
		}
		return store.OpenFileStore(cfg.Home, cfg.Passphrase, cfg.Store.Argon2)
	}

	// SQL stores seal rows with the key store header kept under home.
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("passphrase required for the %s store", cfg.Store.Driver)
	}
	sealer, err := store.OpenSealer(cfg.Home, cfg.Passphrase, cfg.Store.Argon2)
	if err != nil {
		return nil, err
	}
	dsn := cfg.Store.DSN
	if dsn == "" && cfg.Store.Driver == DriverSQLite {
		dsn = filepath.Join(cfg.Home, "keys.db")
	}
	ks, err := sqlstore.Open(ctx, cfg.Store.Driver, dsn, sealer)
	if err != nil {
		sealer.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	return ks, nil
}

func (w *Wire) openDirectory(ctx context.Context, cfg Config) (Directory, error) {
	switch {
	case cfg.Directory != nil:
		return cfg.Directory, nil
	case cfg.Redis.Addr != "":
		var opts []redisdir.Option
		if cfg.Redis.Prefix != "" {
			opts = append(opts, redisdir.WithPrefix(cfg.Redis.Prefix))
		}
		d, err := redisdir.Dial(ctx, cfg.Redis.Addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		w.closers = append(w.closers, d)
		return d, nil
	case cfg.Relay.URL != "":
		hc := cfg.HTTP
		if hc == nil {
			hc = http.DefaultClient
		}
		return relay.NewHTTP(cfg.Relay.URL, hc), nil
	default:
		return nil, errors.New("no directory configured: set relay.url or redis.addr")
	}
}

// Close releases the store and directory connections.
func (w *Wire) Close() error {
	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i].Close())
	}
	w.closers = nil
	return errors.Join(errs...)
}
