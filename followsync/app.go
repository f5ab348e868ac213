package followsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/followsync/cache"
	"tangled.sh/tangled.sh/followsync/collector"
	"tangled.sh/tangled.sh/followsync/config"
	"tangled.sh/tangled.sh/followsync/db"
	"tangled.sh/tangled.sh/followsync/idresolver"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/reconcile"
	"tangled.sh/tangled.sh/followsync/xrpcclient"
)

// app holds everything a subcommand needs, built from the environment.
type app struct {
	cfg       *config.Config
	db        *db.DB
	client    *xrpcclient.Client
	collector *collector.Collector
	engine    *reconcile.Engine
	logger    *slog.Logger

	closers []func() error
}

func loadConfig(ctx context.Context, cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(ctx, cmd.String("env-file"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := log.SetLevel(cfg.Core.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	return cfg, nil
}

// setup opens the store and logs in. The caller must Close the app.
func setup(ctx context.Context, cmd *cli.Command) (*app, error) {
	logger := log.FromContext(ctx)

	cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}

	d, err := db.Make(ctx, cfg.Core.DbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to setup db: %w", err)
	}
	a.db = d
	a.closers = append(a.closers, d.Close)

	c, err := a.setupCache()
	if err != nil {
		a.Close()
		return nil, err
	}

	host, err := a.pdsHost(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.client = xrpcclient.NewClient(host,
		xrpcclient.WithRetry(cfg.Retry.Attempts, cfg.Retry.Delay),
		xrpcclient.WithLogger(log.SubLogger(logger, "xrpcclient")),
	)
	if err := a.login(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.collector = collector.New(a.client, c,
		collector.WithTTL(cfg.Cache.TTL),
		collector.WithPageSize(cfg.Collector.PageSize),
		collector.WithLogger(log.SubLogger(logger, "collector")),
	)
	a.engine = reconcile.New(a.collector, a.db, cfg.Account.Identifier,
		reconcile.WithLogger(log.SubLogger(logger, "reconcile")),
	)

	return a, nil
}

func (a *app) setupCache() (cache.Cache, error) {
	switch a.cfg.Cache.Provider {
	case config.CacheRedis:
		r := cache.NewRedis(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		a.closers = append(a.closers, r.Close)
		return r, nil
	default:
		m, err := cache.NewMemory()
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			m.Close()
			return nil
		})
		return m, nil
	}
}

// pdsHost returns the configured host or resolves it from the identifier.
func (a *app) pdsHost(ctx context.Context) (string, error) {
	if a.cfg.Account.PdsHost != "" {
		return a.cfg.Account.PdsHost, nil
	}

	var (
		res *idresolver.Resolver
		err error
	)
	if a.cfg.Cache.Provider == config.CacheRedis {
		res, err = idresolver.RedisResolver(a.cfg.Redis.ToURL(), a.cfg.Account.PlcUrl)
		if err != nil {
			return "", fmt.Errorf("failed to setup identity resolver: %w", err)
		}
	} else {
		res = idresolver.DefaultResolver(a.cfg.Account.PlcUrl)
	}

	did, host, err := res.ResolvePDS(ctx, a.cfg.Account.Identifier)
	if err != nil {
		return "", err
	}
	a.logger.Debug("resolved pds", "did", did, "host", host)
	return host, nil
}

func (a *app) login(ctx context.Context) error {
	return a.client.Login(ctx, a.cfg.Account.Identifier, a.cfg.Account.Password)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
