package xrpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	indigoxrpc "github.com/bluesky-social/indigo/xrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tangled.sh/tangled.sh/followsync/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, WithRetry(3, time.Millisecond))
}

func TestHandleXrpcErr(t *testing.T) {
	xerr := func(status int, tag, msg string) error {
		return &indigoxrpc.Error{
			StatusCode: status,
			Wrapped:    &indigoxrpc.XRPCError{ErrStr: tag, Message: msg},
		}
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: xerr(http.StatusNotFound, "NotFound", ""), want: ErrXrpcNotFound},
		{name: "profile not found", err: xerr(http.StatusBadRequest, "InvalidRequest", "Profile not found"), want: ErrXrpcNotFound},
		{name: "bad request", err: xerr(http.StatusBadRequest, "InvalidRequest", "limit too large"), want: ErrXrpcInvalid},
		{name: "unauthorized", err: xerr(http.StatusUnauthorized, "ExpiredToken", ""), want: ErrXrpcUnauthorized},
		{name: "throttled", err: xerr(http.StatusTooManyRequests, "RateLimitExceeded", ""), want: ErrXrpcRateLimited},
		{name: "server error", err: xerr(http.StatusBadGateway, "UpstreamFailure", ""), want: ErrXrpcFailed},
		{name: "transport", err: errors.New("connection reset by peer"), want: ErrXrpcFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HandleXrpcErr(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	assert.NoError(t, HandleXrpcErr(nil))
}

func TestLogin(t *testing.T) {
	var authHeader atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xrpc/com.atproto.server.createSession":
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)
			if in["password"] != "app-pass" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthenticationRequired"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{
				"accessJwt":  "access",
				"refreshJwt": "refresh",
				"handle":     "me.bsky.social",
				"did":        "did:plc:me",
			})
		case "/xrpc/app.bsky.actor.getProfile":
			authHeader.Store(r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"did": "did:plc:me", "handle": "me.bsky.social"})
		default:
			http.NotFound(w, r)
		}
	})

	err := c.Login(context.Background(), "me.bsky.social", "wrong")
	assert.ErrorIs(t, err, ErrXrpcUnauthorized)

	require.NoError(t, c.Login(context.Background(), "me.bsky.social", "app-pass"))
	assert.Equal(t, "did:plc:me", c.Did())

	_, err = c.FetchProfile(context.Background(), "me.bsky.social")
	require.NoError(t, err)
	assert.Equal(t, "Bearer access", authHeader.Load())
}

func TestFetchProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("actor") {
		case "me.bsky.social":
			writeJSON(w, http.StatusOK, map[string]any{
				"did":            "did:plc:me",
				"handle":         "me.bsky.social",
				"followersCount": 120,
				"followsCount":   80,
			})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "Profile not found"})
		}
	})

	p, err := c.FetchProfile(context.Background(), "me.bsky.social")
	require.NoError(t, err)
	assert.Equal(t, &models.Profile{Did: "did:plc:me", Handle: "me.bsky.social", FollowersCount: 120, FollowsCount: 80}, p)

	p, err = c.FetchProfile(context.Background(), "ghost.bsky.social")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestFetchPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "me.bsky.social", q.Get("actor"))
		assert.Equal(t, "50", q.Get("limit"))

		switch r.URL.Path {
		case "/xrpc/app.bsky.graph.getFollowers":
			assert.Equal(t, "", q.Get("cursor"))
			writeJSON(w, http.StatusOK, map[string]any{
				"subject": map[string]any{"did": "did:plc:me", "handle": "me.bsky.social"},
				"cursor":  "next",
				"followers": []map[string]any{
					{
						"did":    "did:plc:foo",
						"handle": "foo.bsky.social",
						"viewer": map[string]any{"followedBy": "at://did:plc:foo/app.bsky.graph.follow/3kaaa"},
					},
				},
			})
		case "/xrpc/app.bsky.graph.getFollows":
			assert.Equal(t, "next", q.Get("cursor"))
			writeJSON(w, http.StatusOK, map[string]any{
				"subject": map[string]any{"did": "did:plc:me", "handle": "me.bsky.social"},
				"follows": []map[string]any{
					{
						"did":    "did:plc:bar",
						"handle": "bar.bsky.social",
						"viewer": map[string]any{"following": "at://did:plc:me/app.bsky.graph.follow/3kbbb"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	page, err := c.FetchPage(context.Background(), models.Followers, "me.bsky.social", 50, "")
	require.NoError(t, err)
	assert.Equal(t, "next", page.Cursor)
	assert.Equal(t, []models.Account{{Did: "did:plc:foo", Handle: "foo.bsky.social", FollowedBy: true}}, page.Accounts)

	page, err = c.FetchPage(context.Background(), models.Follows, "me.bsky.social", 50, "next")
	require.NoError(t, err)
	assert.Empty(t, page.Cursor)
	assert.Equal(t, []models.Account{{
		Did:       "did:plc:bar",
		Handle:    "bar.bsky.social",
		Following: "at://did:plc:me/app.bsky.graph.follow/3kbbb",
	}}, page.Accounts)

	_, err = c.FetchPage(context.Background(), models.RelationKind(5), "me.bsky.social", 50, "")
	assert.ErrorIs(t, err, ErrXrpcInvalid)
}

func TestFetchPageRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "RateLimitExceeded"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"followers": []any{}})
	})

	page, err := c.FetchPage(context.Background(), models.Followers, "me.bsky.social", 100, "")
	require.NoError(t, err)
	assert.Empty(t, page.Accounts)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPageGivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "UpstreamFailure"})
	})

	_, err := c.FetchPage(context.Background(), models.Follows, "me.bsky.social", 100, "")
	assert.ErrorIs(t, err, ErrXrpcFailed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "InvalidRequest", "message": "bad cursor"})
	})

	_, err := c.FetchPage(context.Background(), models.Follows, "me.bsky.social", 100, "garbage")
	assert.ErrorIs(t, err, ErrXrpcInvalid)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchSuggestions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/app.bsky.actor.getSuggestions", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("cursor"))
		writeJSON(w, http.StatusOK, map[string]any{
			"cursor": "c2",
			"actors": []map[string]any{{"did": "did:plc:sug", "handle": "sug.bsky.social"}},
		})
	})

	page, err := c.FetchSuggestions(context.Background(), 100, "c1")
	require.NoError(t, err)
	assert.Equal(t, "c2", page.Cursor)
	assert.Equal(t, []models.Account{{Did: "did:plc:sug", Handle: "sug.bsky.social"}}, page.Accounts)
}

func TestDeleteFollow(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.repo.deleteRecord", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	err := c.DeleteFollow(context.Background(), "at://did:plc:me/app.bsky.graph.follow/3kbbb")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:me", got["repo"])
	assert.Equal(t, "app.bsky.graph.follow", got["collection"])
	assert.Equal(t, "3kbbb", got["rkey"])

	err = c.DeleteFollow(context.Background(), "at://did:plc:me/app.bsky.feed.like/3kccc")
	assert.ErrorIs(t, err, ErrXrpcInvalid)

	err = c.DeleteFollow(context.Background(), "not a uri")
	assert.ErrorIs(t, err, ErrXrpcInvalid)
}
