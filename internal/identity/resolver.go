// Package identity implements the relay's DID resolution cache (component
// C2). It wraps indigo's atproto/identity.Directory with a two-tier TTL —
// entries younger than staleTTL are served directly, entries between
// staleTTL and maxTTL are served immediately while a background refresh is
// kicked off, and entries older than maxTTL force a synchronous refetch —
// plus request coalescing so that a thundering herd of lookups for the same
// DID during a cache miss only issues one upstream fetch.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// ErrUnsupportedDidMethod is returned when a DID is neither did:plc nor
// did:web, the only two methods the directory resolves.
var ErrUnsupportedDidMethod = errors.New("identity: unsupported did method")

type entry struct {
	ident     *identity.Identity
	fetchedAt time.Time
}

// Resolver is the cached identity directory (C2).
type Resolver struct {
	dir identity.Directory

	staleTTL time.Duration
	maxTTL   time.Duration

	cache *lru.Cache[string, entry]
	sf    singleflight.Group

	refreshingMu sync.Mutex
	refreshing   map[string]struct{}

	log *slog.Logger
}

// Options configures a Resolver.
type Options struct {
	PLCDirectoryURL string
	StaleTTL        time.Duration
	MaxTTL          time.Duration
	MaxEntries      int
}

// New builds a Resolver backed by indigo's BaseDirectory.
func New(opts Options) (*Resolver, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1 << 20
	}
	cache, err := lru.New[string, entry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("identity: new lru: %w", err)
	}

	base := identity.BaseDirectory{
		PLCURL: opts.PLCDirectoryURL,
	}

	return &Resolver{
		dir:        &base,
		staleTTL:   opts.StaleTTL,
		maxTTL:     opts.MaxTTL,
		cache:      cache,
		refreshing: make(map[string]struct{}),
		log:        slog.Default().With("system", "identity"),
	}, nil
}

// Resolve returns the identity for did, per the staleness policy above.
// Resolve never returns a cache entry older than maxTTL: such entries are
// refetched synchronously before being returned.
func (r *Resolver) Resolve(ctx context.Context, did string) (*identity.Identity, error) {
	xdid, err := syntax.ParseDID(did)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDidMethod, did)
	}
	if m := xdid.Method(); m != "plc" && m != "web" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDidMethod, did)
	}

	if e, ok := r.cache.Get(did); ok {
		age := time.Since(e.fetchedAt)
		switch {
		case age <= r.staleTTL:
			return e.ident, nil
		case age <= r.maxTTL:
			r.refreshAsync(did, xdid)
			return e.ident, nil
		}
		// age > maxTTL: fall through to a synchronous forced fetch.
	}

	ident, err := r.fetchCoalesced(ctx, did, xdid)
	if err != nil {
		return nil, err
	}
	return ident, nil
}

// Evict removes did from the cache, forcing the next Resolve to perform a
// fresh lookup. Used by the validator after a signature verification
// failure, in case the signing key rotated since the entry was cached.
func (r *Resolver) Evict(did string) {
	r.cache.Remove(did)
	r.sf.Forget(did)
}

func (r *Resolver) refreshAsync(did string, xdid syntax.DID) {
	r.refreshingMu.Lock()
	if _, inFlight := r.refreshing[did]; inFlight {
		r.refreshingMu.Unlock()
		return
	}
	r.refreshing[did] = struct{}{}
	r.refreshingMu.Unlock()

	go func() {
		defer func() {
			r.refreshingMu.Lock()
			delete(r.refreshing, did)
			r.refreshingMu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := r.fetchCoalesced(ctx, did, xdid); err != nil {
			r.log.Warn("background refresh failed", "did", did, "error", err)
		}
	}()
}

func (r *Resolver) fetchCoalesced(ctx context.Context, did string, xdid syntax.DID) (*identity.Identity, error) {
	v, err, _ := r.sf.Do(did, func() (any, error) {
		ident, err := r.dir.LookupDID(ctx, xdid)
		if err != nil {
			return nil, fmt.Errorf("identity: lookup %s: %w", did, err)
		}
		r.cache.Add(did, entry{ident: ident, fetchedAt: time.Now()})
		return ident, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*identity.Identity), nil
}
