package idresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/identity/redisdir"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/carlmjohnson/versioninfo"
)

var ErrNoPDS = errors.New("identity declares no PDS endpoint")

type Resolver struct {
	directory identity.Directory
}

func BaseDirectory(plcUrl string) identity.Directory {
	base := identity.BaseDirectory{
		PLCURL: plcUrl,
		HTTPClient: http.Client{
			Timeout: time.Second * 10,
			Transport: &http.Transport{
				IdleConnTimeout: time.Millisecond * 1000,
				MaxIdleConns:    100,
			},
		},
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 3}
				return d.DialContext(ctx, network, address)
			},
		},
		TryAuthoritativeDNS: true,
		// primary Bluesky PDS instance only supports HTTP resolution method
		SkipDNSDomainSuffixes: []string{".bsky.social"},
		UserAgent:             "followsync/" + versioninfo.Short(),
	}
	return &base
}

func DefaultResolver(plcUrl string) *Resolver {
	cached := identity.NewCacheDirectory(BaseDirectory(plcUrl), 1000, time.Hour*24, time.Minute*2, time.Minute*5)
	return &Resolver{
		directory: &cached,
	}
}

// RedisResolver shares resolved identities through redis so that
// repeated runs do not hit the PLC directory every time.
func RedisResolver(redisUrl, plcUrl string) (*Resolver, error) {
	directory, err := redisdir.NewRedisDirectory(
		BaseDirectory(plcUrl),
		redisUrl,
		time.Hour*24,
		time.Second*30,
		time.Minute*5,
		1000,
	)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		directory: directory,
	}, nil
}

func (r *Resolver) ResolveIdent(ctx context.Context, arg string) (*identity.Identity, error) {
	id, err := syntax.ParseAtIdentifier(arg)
	if err != nil {
		return nil, err
	}

	return r.directory.Lookup(ctx, *id)
}

// ResolvePDS finds the PDS hosting the account behind a handle or did.
func (r *Resolver) ResolvePDS(ctx context.Context, arg string) (syntax.DID, string, error) {
	ident, err := r.ResolveIdent(ctx, arg)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve %s: %w", arg, err)
	}

	pds := ident.PDSEndpoint()
	if pds == "" {
		return ident.DID, "", fmt.Errorf("%w: %s", ErrNoPDS, ident.DID)
	}

	return ident.DID, pds, nil
}

func (r *Resolver) Directory() identity.Directory {
	return r.directory
}
