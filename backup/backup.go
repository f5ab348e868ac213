// Package backup writes follower and follow snapshots to disk and reads
// them back.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var ErrUnknownFormat = errors.New("unknown backup format")

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatJSON, FormatYAML:
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// Snapshotter is satisfied by *collector.Collector.
type Snapshotter interface {
	CollectAll(ctx context.Context, kind models.RelationKind, identity string) ([]models.Account, error)
}

type Dumper struct {
	snapshots Snapshotter
	dir       string
	format    Format
	force     bool
	logger    *slog.Logger
}

type Opt func(*Dumper)

func WithFormat(f Format) Opt {
	return func(d *Dumper) {
		d.format = f
	}
}

// WithForce overwrites existing backup files.
func WithForce(force bool) Opt {
	return func(d *Dumper) {
		d.force = force
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(d *Dumper) {
		d.logger = l
	}
}

func NewDumper(snapshots Snapshotter, dir string, opts ...Opt) *Dumper {
	d := &Dumper{
		snapshots: snapshots,
		dir:       dir,
		format:    FormatJSON,
	}

	for _, o := range opts {
		o(d)
	}

	if d.logger == nil {
		d.logger = log.New("backup")
	}

	return d
}

// Path of the backup file for kind.
func (d *Dumper) Path(kind models.RelationKind) string {
	return Path(d.dir, kind, d.format)
}

func Path(dir string, kind models.RelationKind, format Format) string {
	name := "originalFollowers"
	if kind == models.Follows {
		name = "originalFollows"
	}
	return filepath.Join(dir, name+"."+string(format))
}

// Dump writes the followers and follows of identity. An existing file is
// kept as is unless the dumper was created with WithForce; the listing is
// not fetched in that case. It returns the paths that were written.
func (d *Dumper) Dump(ctx context.Context, identity string) ([]string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", d.dir, err)
	}

	var written []string
	for _, kind := range []models.RelationKind{models.Followers, models.Follows} {
		path := d.Path(kind)
		l := d.logger.With("kind", kind.String(), "path", path)

		if !d.force {
			if _, err := os.Stat(path); err == nil {
				l.Info("backup exists, skipping")
				continue
			}
		}

		accounts, err := d.snapshots.CollectAll(ctx, kind, identity)
		if err != nil {
			return written, fmt.Errorf("failed to collect %s: %w", kind, err)
		}

		if err := writeFile(path, d.format, accounts); err != nil {
			return written, err
		}
		written = append(written, path)
		l.Info("wrote backup", "accounts", humanize.Comma(int64(len(accounts))))
	}

	return written, nil
}

func writeFile(path string, format Format, accounts []models.Account) error {
	if accounts == nil {
		accounts = []models.Account{}
	}

	var (
		b   []byte
		err error
	)
	switch format {
	case FormatYAML:
		b, err = yaml.Marshal(accounts)
	case FormatJSON:
		b, err = json.MarshalIndent(accounts, "", "  ")
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	// replaced atomically
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a backup file. A missing file yields nil, nil.
func Load(dir string, kind models.RelationKind, format Format) ([]models.Account, error) {
	path := Path(dir, kind, format)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var accounts []models.Account
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(b, &accounts)
	case FormatJSON:
		err = json.Unmarshal(b, &accounts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return accounts, nil
}
