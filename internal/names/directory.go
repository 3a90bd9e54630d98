package names

import (
	"context"
	"errors"
	"time"

	"github.com/danmuck/relaychat/internal/store"
	"github.com/jellydator/ttlcache/v3"
)

// StoreDirectory serves lookups from the profile handle index.
type StoreDirectory struct {
	Store store.Store
}

func (d StoreDirectory) Lookup(ctx context.Context, handle string) (string, error) {
	p, err := d.Store.ProfileByHandle(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (d StoreDirectory) Reverse(ctx context.Context, id string) (string, error) {
	p, err := d.Store.LoadProfile(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.Handle == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return p.Handle, nil
}

// DefaultCacheCapacity bounds each direction of a CachedDirectory.
const DefaultCacheCapacity = 4096

type cacheEntry struct {
	value   string
	missing bool
}

// CachedDirectory memoizes an upstream directory. Hits live for the ttl,
// not-found answers for a tenth of it. Upstream errors are never cached.
// Each direction holds at most its capacity, evicting least recently used.
type CachedDirectory struct {
	upstream    Directory
	ttl         time.Duration
	negativeTTL time.Duration

	forward *ttlcache.Cache[string, cacheEntry]
	reverse *ttlcache.Cache[string, cacheEntry]
}

type CacheOption func(*cacheOptions)

type cacheOptions struct {
	capacity uint64
}

func WithCacheCapacity(n uint64) CacheOption {
	return func(o *cacheOptions) {
		if n > 0 {
			o.capacity = n
		}
	}
}

func NewCachedDirectory(upstream Directory, ttl time.Duration, opts ...CacheOption) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	o := cacheOptions{capacity: DefaultCacheCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	newCache := func() *ttlcache.Cache[string, cacheEntry] {
		return ttlcache.New[string, cacheEntry](
			ttlcache.WithTTL[string, cacheEntry](ttl),
			ttlcache.WithCapacity[string, cacheEntry](o.capacity),
			ttlcache.WithDisableTouchOnHit[string, cacheEntry](),
		)
	}
	return &CachedDirectory{
		upstream:    upstream,
		ttl:         ttl,
		negativeTTL: ttl / 10,
		forward:     newCache(),
		reverse:     newCache(),
	}
}

func (c *CachedDirectory) Lookup(ctx context.Context, handle string) (string, error) {
	return c.cached(ctx, c.forward, handle, c.upstream.Lookup)
}

func (c *CachedDirectory) Reverse(ctx context.Context, id string) (string, error) {
	return c.cached(ctx, c.reverse, id, c.upstream.Reverse)
}

// Invalidate drops cached answers for a handle and an id.
func (c *CachedDirectory) Invalidate(handle, id string) {
	c.forward.Delete(handle)
	c.reverse.Delete(id)
}

// Len is the number of live entries across both directions.
func (c *CachedDirectory) Len() int {
	c.forward.DeleteExpired()
	c.reverse.DeleteExpired()
	return c.forward.Len() + c.reverse.Len()
}

func (c *CachedDirectory) cached(
	ctx context.Context,
	table *ttlcache.Cache[string, cacheEntry],
	key string,
	fetch func(context.Context, string) (string, error),
) (string, error) {
	if item := table.Get(key); item != nil {
		e := item.Value()
		if e.missing {
			return "", ErrNotFound
		}
		return e.value, nil
	}

	value, err := fetch(ctx, key)
	switch {
	case err == nil:
		table.Set(key, cacheEntry{value: value}, c.ttl)
	case errors.Is(err, ErrNotFound):
		table.Set(key, cacheEntry{missing: true}, c.negativeTTL)
	}
	return value, err
}
