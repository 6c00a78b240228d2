package app

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"carecrypt/internal/crypto"
	"carecrypt/internal/domain"
	"carecrypt/internal/security/forwardsecrecy"
	"carecrypt/internal/security/replay"
	"carecrypt/internal/services/handshake"
	"carecrypt/internal/services/lifecycle"
)

// Store drivers accepted in store.driver.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// EnvPrefix prefixes every environment override, e.g. CARECRYPT_STORE_DRIVER.
const EnvPrefix = "CARECRYPT"

// Config holds runtime wiring options for building the app.
type Config struct {
	Home      string          `mapstructure:"home"` // e.g. $HOME/.carecrypt
	Self      string          `mapstructure:"self"` // local peer id
	Store     StoreConfig     `mapstructure:"store"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Handshake HandshakeConfig `mapstructure:"handshake"`

	// Set by the caller, not read from the config file.
	Passphrase string                `mapstructure:"-"`
	HTTP       *http.Client          `mapstructure:"-"` // defaults to http.DefaultClient
	Logger     *zap.Logger           `mapstructure:"-"`
	Confirmer  domain.Confirmer      `mapstructure:"-"`
	Metrics    prometheus.Registerer `mapstructure:"-"`
	Directory  Directory             `mapstructure:"-"` // overrides relay and redis
}

type StoreConfig struct {
	Driver string              `mapstructure:"driver"`
	DSN    string              `mapstructure:"dsn"`
	Argon2 crypto.Argon2Params `mapstructure:"argon2"`
}

type RelayConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Prefix string `mapstructure:"prefix"`
}

type KeysConfig struct {
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	Lifetime         time.Duration `mapstructure:"lifetime"`
	InitialBatch     int           `mapstructure:"initial_batch"`
	RotationBatch    int           `mapstructure:"rotation_batch"`
}

type ReplayConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Capacity int           `mapstructure:"capacity"`
}

type HandshakeConfig struct {
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
}

// DefaultHome is $HOME/.carecrypt, or .carecrypt when the home directory
// is unknown.
func DefaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ".carecrypt"
	}
	return filepath.Join(dir, ".carecrypt")
}

// NewViper returns a viper instance with defaults and environment
// overrides configured. Callers bind their flags before LoadConfig.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default so environment overrides reach Unmarshal.
	v.SetDefault("home", DefaultHome())
	v.SetDefault("self", "")
	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dsn", "")
	v.SetDefault("relay.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "")
	v.SetDefault("store.argon2.time", crypto.DefaultArgon2Params.Time)
	v.SetDefault("store.argon2.memory", crypto.DefaultArgon2Params.Memory)
	v.SetDefault("store.argon2.threads", crypto.DefaultArgon2Params.Threads)
	v.SetDefault("keys.rotation_interval", lifecycle.DefaultRotationInterval)
	v.SetDefault("keys.lifetime", forwardsecrecy.DefaultLifetime)
	v.SetDefault("keys.initial_batch", lifecycle.DefaultInitialBatch)
	v.SetDefault("keys.rotation_batch", lifecycle.DefaultRotationBatch)
	v.SetDefault("replay.window", replay.DefaultWindow)
	v.SetDefault("replay.capacity", replay.DefaultCapacity)
	v.SetDefault("handshake.pending_timeout", handshake.DefaultPendingTimeout)
	v.SetDefault("handshake.idle_timeout", handshake.DefaultIdleTimeout)
	return v
}

// LoadConfig reads config.yaml from the home directory (or the file named
// by the "config" key) and decodes the merged settings.
func LoadConfig(v *viper.Viper) (Config, error) {
	home := v.GetString("home")
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be wired.
func (c Config) Validate() error {
	if c.Home == "" {
		return errors.New("home directory required")
	}
	if c.Self == "" {
		return errors.New("local peer id required (--self or " + EnvPrefix + "_SELF)")
	}
	switch c.Store.Driver {
	case DriverFile, DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}
