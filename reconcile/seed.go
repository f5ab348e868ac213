package reconcile

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"tangled.sh/tangled.sh/followsync/models"
)

const suggestionPageSize = 100

// Suggester lists accounts the remote recommends following.
type Suggester interface {
	FetchSuggestions(ctx context.Context, limit int64, cursor string) (*models.Page, error)
}

// Seed records every suggested account as an Unknown relationship so that
// later cycles can track it. Existing records are left alone. Paging stops
// at the first empty page or the first page without an unseen did.
func (e *Engine) Seed(ctx context.Context, suggester Suggester) (int, error) {
	l := e.logger.With("op", "seed")
	l.Info("caching suggestions")

	seen := make(map[string]struct{})
	created := 0
	cursor := ""

	for {
		page, err := suggester.FetchSuggestions(ctx, suggestionPageSize, cursor)
		if err != nil {
			return created, fmt.Errorf("failed to fetch suggestions: %w", err)
		}

		fresh := 0
		for _, a := range page.Accounts {
			if _, ok := seen[a.Did]; ok {
				continue
			}
			seen[a.Did] = struct{}{}
			fresh++

			ok, err := e.create(ctx, models.Relationship{
				Did:       a.Did,
				Handle:    a.Handle,
				Type:      models.Unknown,
				FollowsMe: models.Bool(a.FollowedBy),
				CreatedAt: e.now(),
			})
			if err != nil {
				return created, err
			}
			if ok {
				created++
			}
		}

		if fresh == 0 {
			break
		}
		if page.Cursor != "" {
			cursor = page.Cursor
		}
	}

	l.Info("finished caching suggestions", "seen", humanize.Comma(int64(len(seen))), "created", humanize.Comma(int64(created)))
	return created, nil
}
