package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/followsync/db"
	"tangled.sh/tangled.sh/followsync/models"
)

type fakeSnapshotter struct {
	followers    []models.Account
	follows      []models.Account
	followersErr error
	followsErr   error
	calls        []models.RelationKind
}

func (f *fakeSnapshotter) CollectAll(ctx context.Context, kind models.RelationKind, identity string) ([]models.Account, error) {
	f.calls = append(f.calls, kind)
	if kind == models.Followers {
		return f.followers, f.followersErr
	}
	return f.follows, f.followsErr
}

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func acct(did, handle string) models.Account {
	return models.Account{Did: did, Handle: handle}
}

func setup(t *testing.T) (*db.DB, *fakeSnapshotter, *testClock, *Engine) {
	t.Helper()
	d, err := db.Make(context.Background(), filepath.Join(t.TempDir(), "followsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	snaps := &fakeSnapshotter{}
	clock := &testClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	e := New(snaps, d, "me.bsky.social", WithClock(clock.now))
	return d, snaps, clock, e
}

func mustGet(t *testing.T, d *db.DB, did string) *models.Relationship {
	t.Helper()
	r, err := d.GetRelationship(context.Background(), did)
	require.NoError(t, err)
	require.NotNil(t, r, "no record for %s", did)
	return r
}

func TestReconcileFreshStore(t *testing.T) {
	ctx := context.Background()
	d, snaps, clock, e := setup(t)

	snaps.followers = []models.Account{acct("did:plc:a", "a.bsky.social"), acct("did:plc:b", "b.bsky.social")}
	snaps.follows = []models.Account{acct("did:plc:b", "b.bsky.social"), acct("did:plc:c", "c.bsky.social")}

	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.CycleID)
	assert.Equal(t, 2, s.Followers)
	assert.Equal(t, 2, s.Follows)
	assert.Equal(t, 2, s.NewFollowers)
	assert.Equal(t, 1, s.NewFollows)
	assert.Equal(t, 1, s.ResumedFollows)
	assert.Equal(t, []models.RelationKind{models.Followers, models.Follows}, snaps.calls)

	a := mustGet(t, d, "did:plc:a")
	assert.Equal(t, models.Unknown, a.Type)
	assert.Equal(t, 0, a.NumOfAttempts)
	assert.Equal(t, models.Bool(true), a.FollowsMe)
	assert.Nil(t, a.LastFollowedAt)

	// created by the followers path, then picked up by the follows path
	b := mustGet(t, d, "did:plc:b")
	assert.Equal(t, models.Manual, b.Type)
	assert.Equal(t, 1, b.NumOfAttempts)
	assert.Equal(t, models.Bool(true), b.FollowsMe)
	require.NotNil(t, b.LastFollowedAt)
	assert.True(t, clock.t.Equal(*b.LastFollowedAt))

	c := mustGet(t, d, "did:plc:c")
	assert.Equal(t, models.Manual, c.Type)
	assert.Equal(t, 1, c.NumOfAttempts)
	assert.Equal(t, models.Bool(false), c.FollowsMe)
	assert.False(t, c.IsBlacklisted)
	require.NotNil(t, c.LastFollowedAt)
	assert.True(t, clock.t.Equal(*c.LastFollowedAt))
}

func TestReconcileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, snaps, clock, e := setup(t)

	snaps.followers = []models.Account{acct("did:plc:a", "a.bsky.social")}
	snaps.follows = []models.Account{acct("did:plc:a", "a.bsky.social"), acct("did:plc:b", "b.bsky.social")}

	_, err := e.Reconcile(ctx)
	require.NoError(t, err)
	before, err := d.GetRelationships(ctx)
	require.NoError(t, err)

	clock.advance(time.Hour)
	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	after, err := d.GetRelationships(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Zero(t, s.NewFollowers+s.ReturnedFollowers+s.LostFollowers)
	assert.Zero(t, s.NewFollows+s.ResumedFollows+s.DroppedFollows)
}

func TestReconcileFollowReacquisition(t *testing.T) {
	ctx := context.Background()
	d, snaps, clock, e := setup(t)

	first := clock.t
	require.NoError(t, d.AddRelationship(ctx, models.Relationship{
		Did:            "did:plc:d",
		Handle:         "d.bsky.social",
		Type:           models.Manual,
		NumOfAttempts:  1,
		CreatedAt:      first,
		LastFollowedAt: &first,
	}))

	// unfollowed
	clock.advance(time.Hour)
	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.DroppedFollows)

	r := mustGet(t, d, "did:plc:d")
	assert.Equal(t, models.Unknown, r.Type)
	assert.True(t, r.IsBlacklisted)
	assert.Equal(t, 1, r.NumOfAttempts)
	assert.True(t, first.Equal(*r.LastFollowedAt))

	// followed again
	clock.advance(time.Hour)
	snaps.follows = []models.Account{acct("did:plc:d", "d.bsky.social")}
	s, err = e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ResumedFollows)

	r = mustGet(t, d, "did:plc:d")
	assert.Equal(t, models.Manual, r.Type)
	assert.Equal(t, 2, r.NumOfAttempts)
	assert.True(t, r.IsBlacklisted, "blacklist is never cleared")
	require.NotNil(t, r.LastFollowedAt)
	assert.True(t, clock.t.Equal(*r.LastFollowedAt))
	assert.True(t, first.Equal(r.CreatedAt))
}

func TestReconcileFollowerLoss(t *testing.T) {
	ctx := context.Background()
	d, snaps, clock, e := setup(t)

	followed := clock.t
	require.NoError(t, d.AddRelationship(ctx, models.Relationship{
		Did:            "did:plc:e",
		Handle:         "e.bsky.social",
		Type:           models.Manual,
		NumOfAttempts:  3,
		FollowsMe:      models.Bool(true),
		CreatedAt:      followed,
		LastFollowedAt: &followed,
	}))
	before := mustGet(t, d, "did:plc:e")

	clock.advance(time.Hour)
	snaps.follows = []models.Account{acct("did:plc:e", "e.bsky.social")}
	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.LostFollowers)

	after := mustGet(t, d, "did:plc:e")
	assert.Equal(t, models.Bool(false), after.FollowsMe)

	after.FollowsMe = before.FollowsMe
	assert.Equal(t, before, after)
}

func TestReconcileReturningFollower(t *testing.T) {
	ctx := context.Background()
	d, snaps, _, e := setup(t)

	require.NoError(t, d.AddRelationship(ctx, models.Relationship{Did: "did:plc:lost", Handle: "lost.bsky.social", FollowsMe: models.Bool(false)}))
	require.NoError(t, d.AddRelationship(ctx, models.Relationship{Did: "did:plc:unseen", Handle: "unseen.bsky.social"}))

	snaps.followers = []models.Account{acct("did:plc:lost", "lost.bsky.social"), acct("did:plc:unseen", "unseen.bsky.social")}
	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ReturnedFollowers)
	assert.Zero(t, s.NewFollowers)

	assert.Equal(t, models.Bool(true), mustGet(t, d, "did:plc:lost").FollowsMe)
	assert.Equal(t, models.Bool(true), mustGet(t, d, "did:plc:unseen").FollowsMe)
}

func TestReconcileAutoFollowExempt(t *testing.T) {
	ctx := context.Background()
	d, _, _, e := setup(t)

	require.NoError(t, d.AddRelationship(ctx, models.Relationship{
		Did:           "did:plc:f",
		Handle:        "f.bsky.social",
		Type:          models.AutoFollow,
		NumOfAttempts: 1,
	}))
	before := mustGet(t, d, "did:plc:f")

	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.DroppedFollows)
	assert.Equal(t, before, mustGet(t, d, "did:plc:f"))
}

func TestReconcileKeepsHandle(t *testing.T) {
	ctx := context.Background()
	d, snaps, _, e := setup(t)

	require.NoError(t, d.AddRelationship(ctx, models.Relationship{Did: "did:plc:g", Handle: "old.bsky.social", FollowsMe: models.Bool(true)}))

	snaps.followers = []models.Account{acct("did:plc:g", "new.bsky.social")}
	snaps.follows = []models.Account{acct("did:plc:g", "new.bsky.social")}
	_, err := e.Reconcile(ctx)
	require.NoError(t, err)

	assert.Equal(t, "old.bsky.social", mustGet(t, d, "did:plc:g").Handle)
}

func TestReconcileFetchErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	errUpstream := errors.New("upstream failure")

	tests := []struct {
		name  string
		setup func(*fakeSnapshotter)
	}{
		{
			name:  "followers",
			setup: func(f *fakeSnapshotter) { f.followersErr = errUpstream },
		},
		{
			name:  "follows",
			setup: func(f *fakeSnapshotter) { f.followsErr = errUpstream },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, snaps, _, e := setup(t)
			snaps.followers = []models.Account{acct("did:plc:a", "a.bsky.social")}
			snaps.follows = []models.Account{acct("did:plc:b", "b.bsky.social")}
			tt.setup(snaps)

			_, err := e.Reconcile(ctx)
			assert.ErrorIs(t, err, errUpstream)

			count, err := d.CountRelationships(ctx)
			require.NoError(t, err)
			assert.Zero(t, count)
		})
	}
}

// failingStore fails updates while delegating everything else.
type failingStore struct {
	*db.DB
	err error
}

func (f *failingStore) UpdateRelationship(ctx context.Context, did string, updates ...db.Update) error {
	return f.err
}

func TestReconcileStoreFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	d, snaps, _, _ := setup(t)
	errDisk := errors.New("disk I/O error")

	require.NoError(t, d.AddRelationship(ctx, models.Relationship{Did: "did:plc:a", Handle: "a.bsky.social", FollowsMe: models.Bool(true)}))

	e := New(snaps, &failingStore{DB: d, err: errDisk}, "me.bsky.social")
	s, err := e.Reconcile(ctx)
	assert.ErrorIs(t, err, errDisk)
	require.NotNil(t, s)
	assert.Zero(t, s.LostFollowers)
}

// staleStore never finds a record, as if another writer created it
// between the lookup and the insert.
type staleStore struct {
	*db.DB
}

func (s *staleStore) GetRelationship(ctx context.Context, did string) (*models.Relationship, error) {
	return nil, nil
}

func TestReconcileSuppressesDuplicateCreate(t *testing.T) {
	ctx := context.Background()
	d, snaps, _, _ := setup(t)

	require.NoError(t, d.AddRelationship(ctx, models.Relationship{
		Did:           "did:plc:a",
		Handle:        "a.bsky.social",
		Type:          models.AutoFollow,
		NumOfAttempts: 4,
	}))
	before := mustGet(t, d, "did:plc:a")

	snaps.follows = []models.Account{acct("did:plc:a", "a.bsky.social")}
	e := New(snaps, &staleStore{DB: d}, "me.bsky.social")

	s, err := e.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, s.NewFollows)
	assert.Equal(t, before, mustGet(t, d, "did:plc:a"))
}
