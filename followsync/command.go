package followsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.sh/tangled.sh/followsync/backup"
	"tangled.sh/tangled.sh/followsync/config"
	"tangled.sh/tangled.sh/followsync/db"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/models"
	"tangled.sh/tangled.sh/followsync/reconcile"
)

const envDescription = `
Environment variables:
	FOLLOWSYNC_IDENTIFIER             (required)
	FOLLOWSYNC_PASSWORD               (required, app password)
	FOLLOWSYNC_PDS_HOST               (default: resolved from the identifier)
	FOLLOWSYNC_PLC_URL                (default: https://plc.directory)
	FOLLOWSYNC_DB_PATH                (default: followsync.db)
	FOLLOWSYNC_LOG_LEVEL              (default: info)
	FOLLOWSYNC_COLLECTOR_PAGE_SIZE    (default: 100)
	FOLLOWSYNC_CACHE_PROVIDER         (default: memory, one of memory, redis)
	FOLLOWSYNC_CACHE_TTL              (default: 180s)
	FOLLOWSYNC_REDIS_ADDR             (default: localhost:6379)
	FOLLOWSYNC_REDIS_PASS
	FOLLOWSYNC_REDIS_DB               (default: 0)
	FOLLOWSYNC_RETRY_ATTEMPTS         (default: 3)
	FOLLOWSYNC_RETRY_DELAY            (default: 1s)
	FOLLOWSYNC_BACKUP_DIR             (default: output)
`

func Commands() []*cli.Command {
	return []*cli.Command{
		SyncCommand(),
		SeedCommand(),
		PruneCommand(),
		BackupCommand(),
		ForgetCommand(),
	}
}

func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "reconcile stored relationships with the current followers and follows",
		Description: envDescription,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "repeat every interval until interrupted, 0 runs once",
			},
		},
		Action: Sync,
	}
}

func Sync(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := cmd.Duration("interval")
	if interval <= 0 {
		_, err := a.engine.Reconcile(ctx)
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := a.engine.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("cycle failed", "err", err)
		}

		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case <-ticker.C:
		}

		// sessions expire between cycles
		if err := a.login(ctx); err != nil {
			return err
		}
	}
}

func SeedCommand() *cli.Command {
	return &cli.Command{
		Name:        "seed",
		Usage:       "record every suggested account as an unknown relationship",
		Description: envDescription,
		Action:      Seed,
	}
}

func Seed(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	_, err = a.engine.Seed(ctx, a.client)
	return err
}

func PruneCommand() *cli.Command {
	return &cli.Command{
		Name:        "prune",
		Usage:       "unfollow accounts that do not follow back",
		Description: envDescription,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "only list the follows that would be removed",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "format of the backup holding follows to keep",
				Value: string(backup.FormatJSON),
			},
		},
		Action: Prune,
	}
}

func Prune(ctx context.Context, cmd *cli.Command) error {
	format, err := backup.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	original, err := backup.Load(a.cfg.Backup.Dir, models.Follows, format)
	if err != nil {
		return fmt.Errorf("failed to read original follows: %w", err)
	}
	if original == nil {
		a.logger.Warn("no backup of original follows, only AutoFollow records are kept", "dir", a.cfg.Backup.Dir)
	}

	res, err := a.engine.Prune(ctx, a.client, reconcile.PruneOpts{
		DryRun: cmd.Bool("dry-run"),
		Keep:   models.DidSet(original),
	})
	if err != nil {
		return err
	}

	a.logger.Info("prune finished",
		"candidates", humanize.Comma(int64(len(res.Candidates))),
		"unfollowed", humanize.Comma(int64(res.Unfollowed)),
	)
	return nil
}

func BackupCommand() *cli.Command {
	return &cli.Command{
		Name:        "backup",
		Usage:       "save the current followers and follows to the backup dir",
		Description: envDescription,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite existing backups",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "json or yaml",
				Value: string(backup.FormatJSON),
			},
		},
		Action: Backup,
	}
}

func Backup(ctx context.Context, cmd *cli.Command) error {
	format, err := backup.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	a, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	dumper := backup.NewDumper(a.collector, a.cfg.Backup.Dir,
		backup.WithFormat(format),
		backup.WithForce(cmd.Bool("force")),
		backup.WithLogger(log.SubLogger(a.logger, "backup")),
	)

	_, err = dumper.Dump(ctx, a.cfg.Account.Identifier)
	return err
}

func ForgetCommand() *cli.Command {
	return &cli.Command{
		Name:      "forget",
		Usage:     "delete the stored relationship of an account",
		ArgsUsage: "<did>",
		Description: `
Environment variables:
	FOLLOWSYNC_DB_PATH                (default: followsync.db)
	FOLLOWSYNC_LOG_LEVEL              (default: info)
`,
		Action: Forget,
	}
}

func Forget(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	did := cmd.Args().First()
	if did == "" {
		return errors.New("missing did")
	}
	if _, err := syntax.ParseDID(did); err != nil {
		return fmt.Errorf("invalid did: %w", err)
	}

	cfg, err := config.LoadCore(ctx, cmd.String("env-file"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := log.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	d, err := db.Make(ctx, cfg.DbPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	if err := d.DeleteRelationship(ctx, did); err != nil {
		if errors.Is(err, db.ErrRelationshipNotFound) {
			return fmt.Errorf("no relationship stored for %s", did)
		}
		return err
	}

	logger.Info("forgot relationship", "did", did)
	return nil
}
