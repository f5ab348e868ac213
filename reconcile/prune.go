package reconcile

import (
	"context"
	"fmt"

	"tangled.sh/tangled.sh/followsync/models"
)

// Unfollower deletes a follow record by its at-uri.
type Unfollower interface {
	DeleteFollow(ctx context.Context, followURI string) error
}

type PruneOpts struct {
	// DryRun only logs the follows that would be removed.
	DryRun bool
	// Keep holds dids that are never unfollowed, typically the follows
	// recorded in the original backup.
	Keep map[string]struct{}
}

type PruneResult struct {
	Candidates []models.Account
	Unfollowed int
}

// Prune removes follows on accounts that do not follow back. AutoFollow
// records and dids in opts.Keep are exempt. The store is not written;
// the next reconciliation cycle picks up the removed follows.
func (e *Engine) Prune(ctx context.Context, unfollower Unfollower, opts PruneOpts) (*PruneResult, error) {
	l := e.logger.With("op", "prune", "dry_run", opts.DryRun)

	followers, err := e.snapshots.CollectAll(ctx, models.Followers, e.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to collect followers: %w", err)
	}

	follows, err := e.snapshots.CollectAll(ctx, models.Follows, e.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to collect follows: %w", err)
	}

	followerSet := models.DidSet(followers)
	res := &PruneResult{}

	for _, a := range follows {
		if _, ok := followerSet[a.Did]; ok {
			continue
		}
		if _, ok := opts.Keep[a.Did]; ok {
			continue
		}

		r, err := e.store.GetRelationship(ctx, a.Did)
		if err != nil {
			return res, err
		}
		if r != nil && r.Type == models.AutoFollow {
			continue
		}

		if a.Following == "" {
			l.Warn("no follow record to delete", "handle", a.Handle, "did", a.Did)
			continue
		}

		res.Candidates = append(res.Candidates, a)
		if opts.DryRun {
			l.Info("would unfollow", "handle", a.Handle, "did", a.Did)
			continue
		}

		if err := unfollower.DeleteFollow(ctx, a.Following); err != nil {
			return res, fmt.Errorf("failed to unfollow %s: %w", a.Did, err)
		}
		res.Unfollowed++
		l.Info("unfollowed", "handle", a.Handle, "did", a.Did)
	}

	return res, nil
}
