package config

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/internal/postgres"
	"github.com/gaze-network/txcore/internal/sqlite"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

var (
	configOnce sync.Once
	config     = &Config{
		Logger: logger.Config{
			Output: "TEXT",
		},
		Store: Store{
			Driver: StoreDriverMemory,
		},
	}
)

type Config struct {
	Logger logger.Config `mapstructure:"logger"`
	Store  Store         `mapstructure:"store"`

	// Participants are the databases enlisted in distributed transactions, by alias.
	Participants map[string]postgres.Config `mapstructure:"participants"`
}

// Store is the database sessions write entity snapshots to.
type Store struct {
	Driver   string          `mapstructure:"driver"` // memory (default), sqlite or postgres
	SQLite   sqlite.Config   `mapstructure:"sqlite"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Store.Driver) {
	case StoreDriverMemory, StoreDriverSQLite, StoreDriverPostgres:
	default:
		return errors.Wrapf(errs.InvalidArgument, "unsupported store driver %q", c.Store.Driver)
	}
	for alias := range c.Participants {
		if alias == "" {
			return errors.Wrap(errs.InvalidArgument, "participant alias is required")
		}
	}
	return nil
}

// Parse reads the configuration from the given file, or from ./config.yaml if
// the path is empty, and from environment variables. It must be called before Load.
func Parse(configFile string) {
	ctx := logger.WithContext(context.Background(), slog.String("package", "config"))
	configOnce.Do(func() {
		if configFile != "" {
			viper.SetConfigFile(configFile)
		} else {
			viper.AddConfigPath("./")
			viper.SetConfigName("config")
		}

		viper.AutomaticEnv()
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		if err := viper.ReadInConfig(); err != nil {
			var errNotfound viper.ConfigFileNotFoundError
			if errors.As(err, &errNotfound) {
				logger.WarnContext(ctx, "config file not found, use default value", slogx.Error(err))
			} else {
				logger.PanicContext(ctx, "invalid config file", slogx.Error(err))
			}
		}

		if err := viper.Unmarshal(&config); err != nil {
			logger.PanicContext(ctx, "failed to unmarshal config", slogx.Error(err))
		}
		if err := config.Validate(); err != nil {
			logger.PanicContext(ctx, "invalid config", slogx.Error(err))
		}
		logger.InfoContext(ctx, "loaded config successfully")
	})
}

// Load returns the parsed configuration.
func Load() Config {
	return *config
}

// BindPFlag binds a config key to a command line flag.
func BindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		logger.Panic("failed to bind flag", slogx.String("key", key), slogx.Error(err))
	}
}
