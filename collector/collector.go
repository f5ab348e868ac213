// Package collector gathers complete follower and follow listings from a
// paginated remote API that is known to repeat and pad its pages.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"tangled.sh/tangled.sh/followsync/cache"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/models"
)

const (
	DefaultTTL      = 180 * time.Second
	DefaultPageSize = 100
)

// Fetcher is the remote listing capability.
type Fetcher interface {
	// FetchProfile returns nil, nil when the identity has no profile.
	FetchProfile(ctx context.Context, identity string) (*models.Profile, error)
	FetchPage(ctx context.Context, kind models.RelationKind, identity string, limit int64, cursor string) (*models.Page, error)
}

type Collector struct {
	fetcher  Fetcher
	cache    cache.Cache
	ttl      time.Duration
	pageSize int64
	logger   *slog.Logger
}

type Opt func(*Collector)

func WithTTL(ttl time.Duration) Opt {
	return func(c *Collector) {
		c.ttl = ttl
	}
}

func WithPageSize(n int64) Opt {
	return func(c *Collector) {
		c.pageSize = n
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(c *Collector) {
		c.logger = l
	}
}

func New(fetcher Fetcher, cache cache.Cache, opts ...Opt) *Collector {
	c := &Collector{
		fetcher:  fetcher,
		cache:    cache,
		ttl:      DefaultTTL,
		pageSize: DefaultPageSize,
	}

	for _, o := range opts {
		o(c)
	}

	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.pageSize <= 0 {
		c.pageSize = DefaultPageSize
	}
	if c.logger == nil {
		c.logger = log.New("collector")
	}

	return c
}

// CollectAll returns every account of the given listing, deduplicated by did
// and in the order first seen. Results are served from the cache for the
// configured ttl.
//
// Paging continues for as long as a page contains at least one unseen did,
// even past an absent cursor. The first page made up entirely of already
// seen accounts ends the listing. Declared follower/follow counts are not
// used as a stop condition since the remote omits some accounts from them.
func (c *Collector) CollectAll(ctx context.Context, kind models.RelationKind, identity string) ([]models.Account, error) {
	l := c.logger.With("kind", kind.String(), "identity", identity)
	key := cache.Key(kind, identity)

	cached, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		l.Warn("failed to read cache, collecting from remote", "err", err)
	} else if ok {
		l.Debug("returning cached listing", "count", len(cached))
		return cached, nil
	}

	profile, err := c.fetcher.FetchProfile(ctx, identity)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		l.Warn("no profile found, nothing to collect")
		return []models.Account{}, nil
	}

	accounts := []models.Account{}
	seen := make(map[string]struct{})
	cursor := ""
	pages := 0

	for {
		page, err := c.fetcher.FetchPage(ctx, kind, identity, c.pageSize, cursor)
		if err != nil {
			return nil, err
		}
		pages++
		cursor = page.Cursor

		added := 0
		for _, a := range page.Accounts {
			if _, ok := seen[a.Did]; ok {
				continue
			}
			seen[a.Did] = struct{}{}
			accounts = append(accounts, a)
			added++
		}

		if added == 0 {
			break
		}

		l.Debug("collected page", "page", pages, "new", added, "total", len(accounts))
	}

	l.Info("collected listing",
		"accounts", humanize.Comma(int64(len(accounts))),
		"pages", pages,
		"declared", humanize.Comma(declared(profile, kind)),
	)

	if err := c.cache.Set(ctx, key, accounts, c.ttl); err != nil {
		l.Warn("failed to cache listing", "err", err)
	}

	return accounts, nil
}

func declared(p *models.Profile, kind models.RelationKind) int64 {
	if kind == models.Followers {
		return p.FollowersCount
	}
	return p.FollowsCount
}
