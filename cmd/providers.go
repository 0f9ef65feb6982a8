package cmd

import (
	"context"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gaze-network/txcore/common/errs"
	"github.com/gaze-network/txcore/core/storage"
	"github.com/gaze-network/txcore/internal/config"
	"github.com/gaze-network/txcore/internal/postgres"
	"github.com/gaze-network/txcore/internal/sqlite"
	"github.com/gaze-network/txcore/pkg/logger"
	"github.com/gaze-network/txcore/pkg/logger/slogx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
	"github.com/samber/lo"
)

// snapshotStore is the configured store sessions write through.
type snapshotStore struct {
	storage.Connection
	close func() error
}

// BeginTx opens a transaction with options when the store supports them.
func (s *snapshotStore) BeginTx(ctx context.Context, opts storage.TxOptions) (storage.Transaction, error) {
	if beginner, ok := s.Connection.(storage.TxBeginner); ok {
		tx, err := beginner.BeginTx(ctx, opts)
		return tx, errors.WithStack(err)
	}
	if opts.Isolation != storage.LevelDefault {
		return nil, errors.Wrapf(errs.Unsupported, "store cannot set isolation level %s", opts.Isolation)
	}
	tx, err := s.Connection.Begin(ctx)
	return tx, errors.WithStack(err)
}

func (s *snapshotStore) Shutdown() error {
	if s.close == nil {
		return nil
	}
	return errors.WithStack(s.close())
}

// participantPools are the connection pools of the configured participants, by alias.
type participantPools map[string]*pgxpool.Pool

func (p participantPools) Shutdown() error {
	for _, pool := range p {
		pool.Close()
	}
	return nil
}

// Aliases returns the participant aliases in order.
func (p participantPools) Aliases() []string {
	aliases := lo.Keys(p)
	slices.Sort(aliases)
	return aliases
}

func newInjector(ctx context.Context, conf config.Config) *do.RootScope {
	injector := do.New()
	do.ProvideValue(injector, conf)
	do.ProvideValue(injector, ctx)

	// Initialize the snapshot store
	do.Provide(injector, func(i do.Injector) (*snapshotStore, error) {
		conf := do.MustInvoke[config.Config](i)
		ctx := do.MustInvoke[context.Context](i)

		driver := strings.ToLower(conf.Store.Driver)
		logger.InfoContext(ctx, "Opening snapshot store", slogx.String("driver", driver))
		switch driver {
		case config.StoreDriverMemory, "":
			return &snapshotStore{Connection: storage.NewMemory()}, nil
		case config.StoreDriverSQLite:
			store, err := sqlite.Open(ctx, conf.Store.SQLite)
			if err != nil {
				return nil, errors.Wrap(err, "can't open sqlite store")
			}
			return &snapshotStore{Connection: store, close: store.Close}, nil
		case config.StoreDriverPostgres:
			pool, err := postgres.NewPool(ctx, conf.Store.Postgres)
			if err != nil {
				return nil, errors.Wrap(err, "can't create postgres pool")
			}
			return &snapshotStore{
				Connection: postgres.NewSnapshotStore(pool),
				close: func() error {
					pool.Close()
					return nil
				},
			}, nil
		default:
			return nil, errors.Wrapf(errs.Unsupported, "store driver %q", conf.Store.Driver)
		}
	})

	// Initialize participant connection pools
	do.Provide(injector, func(i do.Injector) (participantPools, error) {
		conf := do.MustInvoke[config.Config](i)
		ctx := do.MustInvoke[context.Context](i)

		pools := make(participantPools, len(conf.Participants))
		for alias, pgConf := range conf.Participants {
			pool, err := postgres.NewPool(ctx, pgConf)
			if err != nil {
				_ = pools.Shutdown()
				return nil, errors.Wrapf(err, "can't connect to participant %q", alias)
			}
			pools[alias] = pool
		}
		return pools, nil
	})

	return injector
}

func shutdownInjector(ctx context.Context, injector *do.RootScope) {
	if err := injector.Shutdown(); err != nil {
		logger.ErrorContext(ctx, "Failed while gracefully shutting down", err)
	}
}
