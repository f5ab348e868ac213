package xrpcclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/atproto/syntax"
	indigoxrpc "github.com/bluesky-social/indigo/xrpc"
	"github.com/carlmjohnson/versioninfo"
	"tangled.sh/tangled.sh/followsync/log"
	"tangled.sh/tangled.sh/followsync/models"
)

const followCollection = "app.bsky.graph.follow"

// Client is the authenticated Bluesky transport used by the collector,
// the seeder and the pruner. Failed requests are retried here and only
// here; callers see the final outcome.
type Client struct {
	xrpc     *indigoxrpc.Client
	did      string
	attempts uint
	delay    time.Duration
	logger   *slog.Logger
}

type Opt func(*Client)

func WithRetry(attempts uint, delay time.Duration) Opt {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(c *Client) {
		c.logger = l
	}
}

func NewClient(host string, opts ...Opt) *Client {
	ua := "followsync/" + versioninfo.Short()
	c := &Client{
		xrpc: &indigoxrpc.Client{
			Host:      host,
			UserAgent: &ua,
			Client: &http.Client{
				Timeout: 30 * time.Second,
			},
		},
		attempts: 3,
		delay:    time.Second,
	}

	for _, o := range opts {
		o(c)
	}

	if c.attempts == 0 {
		c.attempts = 1
	}
	if c.logger == nil {
		c.logger = log.New("xrpcclient")
	}

	return c
}

// Login creates a session with an app password and authenticates every
// subsequent request with it.
func (c *Client) Login(ctx context.Context, identifier, password string) error {
	session, err := comatproto.ServerCreateSession(ctx, c.xrpc, &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", HandleXrpcErr(err))
	}

	c.xrpc.Auth = &indigoxrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	c.did = session.Did

	c.logger.Info("logged in", "handle", session.Handle, "did", session.Did, "host", c.xrpc.Host)
	return nil
}

// Did of the logged in account.
func (c *Client) Did() string {
	return c.did
}

func (c *Client) FetchProfile(ctx context.Context, identity string) (*models.Profile, error) {
	profile, err := withRetry(ctx, c, "app.bsky.actor.getProfile", func() (*bsky.ActorDefs_ProfileViewDetailed, error) {
		return bsky.ActorGetProfile(ctx, c.xrpc, identity)
	})
	if errors.Is(err, ErrXrpcNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &models.Profile{
		Did:    profile.Did,
		Handle: profile.Handle,
	}
	if profile.FollowersCount != nil {
		p.FollowersCount = *profile.FollowersCount
	}
	if profile.FollowsCount != nil {
		p.FollowsCount = *profile.FollowsCount
	}
	return p, nil
}

func (c *Client) FetchPage(ctx context.Context, kind models.RelationKind, identity string, limit int64, cursor string) (*models.Page, error) {
	switch kind {
	case models.Followers:
		out, err := withRetry(ctx, c, "app.bsky.graph.getFollowers", func() (*bsky.GraphGetFollowers_Output, error) {
			return bsky.GraphGetFollowers(ctx, c.xrpc, identity, cursor, limit)
		})
		if err != nil {
			return nil, err
		}
		return toPage(out.Followers, out.Cursor), nil

	case models.Follows:
		out, err := withRetry(ctx, c, "app.bsky.graph.getFollows", func() (*bsky.GraphGetFollows_Output, error) {
			return bsky.GraphGetFollows(ctx, c.xrpc, identity, cursor, limit)
		})
		if err != nil {
			return nil, err
		}
		return toPage(out.Follows, out.Cursor), nil

	default:
		return nil, fmt.Errorf("%w: unknown relation kind %s", ErrXrpcInvalid, kind)
	}
}

func (c *Client) FetchSuggestions(ctx context.Context, limit int64, cursor string) (*models.Page, error) {
	out, err := withRetry(ctx, c, "app.bsky.actor.getSuggestions", func() (*bsky.ActorGetSuggestions_Output, error) {
		return bsky.ActorGetSuggestions(ctx, c.xrpc, cursor, limit)
	})
	if err != nil {
		return nil, err
	}
	return toPage(out.Actors, out.Cursor), nil
}

// DeleteFollow removes the follow record at followURI from the logged in
// account's repo.
func (c *Client) DeleteFollow(ctx context.Context, followURI string) error {
	uri, err := syntax.ParseATURI(followURI)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrXrpcInvalid, err)
	}
	if uri.Collection().String() != followCollection {
		return fmt.Errorf("%w: %s is not a follow record", ErrXrpcInvalid, followURI)
	}

	repo := c.did
	if repo == "" {
		repo = uri.Authority().String()
	}

	_, err = withRetry(ctx, c, "com.atproto.repo.deleteRecord", func() (*comatproto.RepoDeleteRecord_Output, error) {
		return comatproto.RepoDeleteRecord(ctx, c.xrpc, &comatproto.RepoDeleteRecord_Input{
			Collection: followCollection,
			Repo:       repo,
			Rkey:       uri.RecordKey().String(),
		})
	})
	return err
}

func withRetry[T any](ctx context.Context, c *Client, nsid string, fn func() (T, error)) (T, error) {
	return retry.DoWithData(
		func() (T, error) {
			v, err := fn()
			return v, HandleXrpcErr(err)
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxJitter(c.delay/5),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("retrying request", "nsid", nsid, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
}

func toPage(views []*bsky.ActorDefs_ProfileView, cursor *string) *models.Page {
	page := &models.Page{
		Accounts: make([]models.Account, 0, len(views)),
	}
	if cursor != nil {
		page.Cursor = *cursor
	}

	for _, v := range views {
		if v == nil {
			continue
		}
		a := models.Account{
			Did:    v.Did,
			Handle: v.Handle,
		}
		if v.Viewer != nil {
			a.FollowedBy = v.Viewer.FollowedBy != nil
			if v.Viewer.Following != nil {
				a.Following = *v.Viewer.Following
			}
		}
		page.Accounts = append(page.Accounts, a)
	}

	return page
}
