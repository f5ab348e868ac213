// Package reconcile keeps the stored relationship records in line with
// fresh follower and follow snapshots.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"tangled.sh/tangled.sh/followsync/db"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/models"
)

// Snapshotter returns the complete, deduplicated listing of one relation
// kind. *collector.Collector implements it.
type Snapshotter interface {
	CollectAll(ctx context.Context, kind models.RelationKind, identity string) ([]models.Account, error)
}

// Store is the subset of *db.DB the engine reads and writes through.
type Store interface {
	AddRelationship(ctx context.Context, r models.Relationship) error
	GetRelationship(ctx context.Context, did string) (*models.Relationship, error)
	GetRelationships(ctx context.Context, filters ...db.Filter) ([]models.Relationship, error)
	UpdateRelationship(ctx context.Context, did string, updates ...db.Update) error
}

var _ Store = (*db.DB)(nil)

type Engine struct {
	snapshots Snapshotter
	store     Store
	identity  string
	now       func() time.Time
	logger    *slog.Logger
}

type Opt func(*Engine)

func WithLogger(l *slog.Logger) Opt {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithClock(now func() time.Time) Opt {
	return func(e *Engine) {
		e.now = now
	}
}

func New(snapshots Snapshotter, store Store, identity string, opts ...Opt) *Engine {
	e := &Engine{
		snapshots: snapshots,
		store:     store,
		identity:  identity,
		now:       time.Now,
	}

	for _, o := range opts {
		o(e)
	}

	if e.logger == nil {
		e.logger = log.New("reconcile")
	}

	return e
}

// Summary describes one reconciliation cycle.
type Summary struct {
	CycleID   string
	Followers int
	Follows   int

	NewFollowers      int
	ReturnedFollowers int
	LostFollowers     int

	NewFollows     int
	ResumedFollows int
	DroppedFollows int

	Duration time.Duration
}

// Reconcile collects both snapshots and then applies the followers path
// followed by the follows path. Nothing is written unless both snapshots
// were collected. The first store failure stops the cycle; records
// already written by then are kept.
func (e *Engine) Reconcile(ctx context.Context) (*Summary, error) {
	start := e.now()
	s := &Summary{CycleID: uuid.NewString()}
	l := e.logger.With("cycle", s.CycleID)

	followers, err := e.snapshots.CollectAll(ctx, models.Followers, e.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to collect followers: %w", err)
	}

	follows, err := e.snapshots.CollectAll(ctx, models.Follows, e.identity)
	if err != nil {
		return nil, fmt.Errorf("failed to collect follows: %w", err)
	}

	s.Followers = len(followers)
	s.Follows = len(follows)
	l.Info("collected snapshots", "followers", humanize.Comma(int64(s.Followers)), "follows", humanize.Comma(int64(s.Follows)))

	if err := e.reconcileFollowers(ctx, l, followers, s); err != nil {
		l.Error("followers path failed", "err", err)
		return s, fmt.Errorf("failed to reconcile followers: %w", err)
	}

	if err := e.reconcileFollows(ctx, l, follows, models.DidSet(followers), s); err != nil {
		l.Error("follows path failed", "err", err)
		return s, fmt.Errorf("failed to reconcile follows: %w", err)
	}

	s.Duration = e.now().Sub(start)
	l.Info("reconciled",
		"new_followers", s.NewFollowers,
		"returned_followers", s.ReturnedFollowers,
		"lost_followers", s.LostFollowers,
		"new_follows", s.NewFollows,
		"resumed_follows", s.ResumedFollows,
		"dropped_follows", s.DroppedFollows,
	)

	return s, nil
}

func (e *Engine) reconcileFollowers(ctx context.Context, l *slog.Logger, followers []models.Account, s *Summary) error {
	known, err := e.store.GetRelationships(ctx, db.FilterEq("follows_me", true))
	if err != nil {
		return err
	}

	current := models.DidSet(followers)
	for _, r := range known {
		if _, ok := current[r.Did]; ok {
			continue
		}

		if err := e.store.UpdateRelationship(ctx, r.Did, db.SetFollowsMe(false)); err != nil {
			return fmt.Errorf("failed to mark %s as lost: %w", r.Did, err)
		}
		s.LostFollowers++
		l.Info("follower lost", "handle", r.Handle, "did", r.Did)
	}

	for _, a := range followers {
		r, err := e.store.GetRelationship(ctx, a.Did)
		if err != nil {
			return err
		}

		if r == nil {
			created, err := e.create(ctx, models.Relationship{
				Did:       a.Did,
				Handle:    a.Handle,
				Type:      models.Unknown,
				FollowsMe: models.Bool(true),
				CreatedAt: e.now(),
			})
			if err != nil {
				return err
			}
			if created {
				s.NewFollowers++
				l.Info("new follower", "handle", a.Handle, "did", a.Did)
			}
			continue
		}

		if r.IsFollower() {
			continue
		}

		if err := e.store.UpdateRelationship(ctx, r.Did, db.SetFollowsMe(true)); err != nil {
			return fmt.Errorf("failed to mark %s as follower: %w", r.Did, err)
		}
		s.ReturnedFollowers++
		l.Info("new follower", "handle", r.Handle, "did", r.Did)
	}

	return nil
}

func (e *Engine) reconcileFollows(ctx context.Context, l *slog.Logger, follows []models.Account, followers map[string]struct{}, s *Summary) error {
	known, err := e.store.GetRelationships(ctx, db.FilterEq("type", models.Manual))
	if err != nil {
		return err
	}

	current := models.DidSet(follows)
	for _, r := range known {
		if _, ok := current[r.Did]; ok {
			continue
		}

		err := e.store.UpdateRelationship(ctx, r.Did,
			db.SetType(models.Unknown),
			db.SetBlacklisted(true),
		)
		if err != nil {
			return fmt.Errorf("failed to blacklist %s: %w", r.Did, err)
		}
		s.DroppedFollows++
		l.Info("unfollowed", "handle", r.Handle, "did", r.Did, "attempt", r.NumOfAttempts)
	}

	for _, a := range follows {
		r, err := e.store.GetRelationship(ctx, a.Did)
		if err != nil {
			return err
		}

		now := e.now()
		if r == nil {
			_, followsMe := followers[a.Did]
			created, err := e.create(ctx, models.Relationship{
				Did:            a.Did,
				Handle:         a.Handle,
				Type:           models.Manual,
				NumOfAttempts:  1,
				FollowsMe:      models.Bool(followsMe),
				CreatedAt:      now,
				LastFollowedAt: &now,
			})
			if err != nil {
				return err
			}
			if created {
				s.NewFollows++
				l.Info("now following", "handle", a.Handle, "did", a.Did, "attempt", 1)
			}
			continue
		}

		if r.Type != models.Unknown {
			continue
		}

		attempt := r.NumOfAttempts + 1
		err = e.store.UpdateRelationship(ctx, r.Did,
			db.SetNumOfAttempts(attempt),
			db.SetType(models.Manual),
			db.SetLastFollowedAt(now),
		)
		if err != nil {
			return fmt.Errorf("failed to mark %s as followed: %w", r.Did, err)
		}
		s.ResumedFollows++
		l.Info("now following", "handle", r.Handle, "did", r.Did, "attempt", attempt)
	}

	return nil
}

// create reports false when a record for the did already exists.
func (e *Engine) create(ctx context.Context, r models.Relationship) (bool, error) {
	err := e.store.AddRelationship(ctx, r)
	if errors.Is(err, db.ErrRelationshipExists) {
		e.logger.Debug("relationship already exists", "did", r.Did)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", r.Did, err)
	}
	return true, nil
}
