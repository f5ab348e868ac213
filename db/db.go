package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"tangled.sh/tangled.sh/followsync/log"
)

type DB struct {
	*sql.DB
	logger *slog.Logger
}

type Execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func Make(ctx context.Context, dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_busy_timeout=5000",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	d := &DB{DB: db, logger: log.SubLogger(log.FromContext(ctx), "db")}

	_, err = db.ExecContext(ctx, `
		create table if not exists relationships (
			did text primary key,
			handle text not null,
			type text not null default 'Unknown' check (type in ('Unknown', 'Manual', 'AutoFollow')),
			num_of_attempts integer not null default 0,
			follows_me integer,
			is_blacklisted integer not null default 0,
			created_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			last_followed_at text
		);

		create table if not exists migrations (
			id integer primary key autoincrement,
			name text unique
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	// the reconciliation paths select by these two columns on every cycle
	err = d.runMigration(ctx, "add-relationship-indexes", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			create index if not exists idx_relationships_type on relationships(type);
			create index if not exists idx_relationships_follows_me on relationships(follows_me);
		`)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

type migrationFn = func(*sql.Tx) error

func (d *DB) runMigration(ctx context.Context, name string, migrationFn migrationFn) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx, "select exists (select 1 from migrations where name = ?)", name).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		d.logger.Debug("skipped migration, already applied", "name", name)
		return nil
	}

	if err := migrationFn(tx); err != nil {
		d.logger.Error("failed to run migration", "name", name, "err", err)
		return err
	}

	if _, err := tx.ExecContext(ctx, "insert into migrations (name) values (?)", name); err != nil {
		d.logger.Error("failed to mark migration as complete", "name", name, "err", err)
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	d.logger.Info("migration applied successfully", "name", name)
	return nil
}

type Filter struct {
	key string
	arg any
	cmp string
}

func newFilter(key, cmp string, arg any) Filter {
	return Filter{
		key: key,
		arg: arg,
		cmp: cmp,
	}
}

func FilterEq(key string, arg any) Filter    { return newFilter(key, "=", arg) }
func FilterNotEq(key string, arg any) Filter { return newFilter(key, "<>", arg) }
func FilterIs(key string, arg any) Filter    { return newFilter(key, "is", arg) }
func FilterIsNot(key string, arg any) Filter { return newFilter(key, "is not", arg) }
func FilterIn(key string, arg any) Filter    { return newFilter(key, "in", arg) }

func (f Filter) Condition() string {
	rv := reflect.ValueOf(f.arg)
	kind := rv.Kind()

	// if we have `FilterIn(k, [1, 2, 3])`, compile it down to `k in (?, ?, ?)`
	if (kind == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || kind == reflect.Array {
		if rv.Len() == 0 {
			// always false
			return "1 = 0"
		}

		placeholders := make([]string, rv.Len())
		for i := range placeholders {
			placeholders[i] = "?"
		}

		return fmt.Sprintf("%s %s (%s)", f.key, f.cmp, strings.Join(placeholders, ", "))
	}

	return fmt.Sprintf("%s %s ?", f.key, f.cmp)
}

func (f Filter) Arg() []any {
	rv := reflect.ValueOf(f.arg)
	kind := rv.Kind()
	if (kind == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8) || kind == reflect.Array {
		if rv.Len() == 0 {
			return nil
		}

		out := make([]any, rv.Len())
		for i := range rv.Len() {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}

	return []any{f.arg}
}

func whereClause(filters []Filter) (string, []any) {
	var conditions []string
	var args []any
	for _, filter := range filters {
		conditions = append(conditions, filter.Condition())
		args = append(args, filter.Arg()...)
	}

	if conditions == nil {
		return "", nil
	}
	return " where " + strings.Join(conditions, " and "), args
}
