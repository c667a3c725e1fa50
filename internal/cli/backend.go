package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/stocktake/internal/config"
	"github.com/roach88/stocktake/internal/engine"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/lock"
	"github.com/roach88/stocktake/internal/logging"
	"github.com/roach88/stocktake/internal/lookup"
	"github.com/roach88/stocktake/internal/store"
)

// env is the configuration and logger shared by a command invocation.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func loadEnv(opts *RootOptions) (*env, error) {
	cfg, err := config.Load(opts.Config, opts.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(cfg.Env, level)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	return &env{cfg: cfg, log: log}, nil
}

// backend is the storage selected by configuration.
type backend struct {
	Store  kv.Store
	Locker lock.Locker
	Cache  lookup.Cache
	// SQL is set only for the sqlite backend, which also keeps the change log.
	SQL   *store.Store
	close func() error
}

func (b *backend) Close() error { return b.close() }

func openBackend(ctx context.Context, e *env) (*backend, error) {
	s := e.cfg.Storage
	log := e.log.With(zap.String("backend", s.Backend))

	switch s.Backend {
	case config.BackendSQLite:
		st, err := store.Open(s.Path)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open database", err)
		}
		log.Debug("storage ready", zap.String("path", s.Path))
		return &backend{
			Store:  st,
			Locker: lock.NewLocal(),
			Cache:  lookup.NewMemoryCache(),
			SQL:    st,
			close:  st.Close,
		}, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, WrapExitError(ExitCommandError, "failed to reach redis", err)
		}
		log.Debug("storage ready", zap.String("addr", s.RedisAddr))
		return &backend{
			Store:  kv.NewRedis(rdb, s.RedisPrefix),
			Locker: lock.NewRedis(rdb),
			Cache:  lookup.NewRedisCache(rdb, e.cfg.Lookup.CacheTTL),
			close:  rdb.Close,
		}, nil

	case config.BackendMemory:
		return &backend{
			Store:  kv.NewMemory(),
			Locker: lock.NewLocal(),
			Cache:  lookup.NewMemoryCache(),
			close:  func() error { return nil },
		}, nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown storage backend %q", s.Backend))
}

// engineOptions maps configuration onto engine options.
func engineOptions(cfg *config.Config) []engine.Option {
	opts := []engine.Option{
		engine.WithMaxQty(cfg.Commit.MaxQty),
		engine.WithMinCodeLength(cfg.Scan.MinCodeLength),
		engine.WithDraftDebounce(cfg.Draft.Debounce),
		engine.WithDuplicateWindow(cfg.Scan.DuplicateWindow),
		engine.WithAuditMax(cfg.Audit.Max),
		engine.WithChunkSize(cfg.Commit.ChunkSize),
		engine.WithLockTTL(cfg.Commit.LockTTL),
	}
	if cfg.Commit.RateLimit > 0 {
		opts = append(opts, engine.WithRateLimit(rate.Limit(cfg.Commit.RateLimit), cfg.Commit.RateBurst))
	}
	return opts
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withBackend loads configuration, opens storage and runs fn.
func withBackend(cmd *cobra.Command, opts *RootOptions, fn func(e *env, b *backend) error) error {
	e, err := loadEnv(opts)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	b, err := openBackend(commandContext(cmd), e)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			e.log.Warn("closing storage", zap.Error(err))
		}
	}()
	return fn(e, b)
}
