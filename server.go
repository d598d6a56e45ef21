package rpcq

import (
	"context"
	"fmt"
	"time"

	"github.com/unkn0wn-root/rpcq/internal/wire"
)

// Helpers executes procedures directly against a Caller and warms a Store for
// dehydration. Server-side the Caller is typically router.Caller, so prefetch
// runs in-process with no transport.
type Helpers struct {
	Caller Caller
	Store  Store
}

func (h Helpers) client() (*Client, error) {
	return New(Options{Caller: h.Caller, Store: h.Store})
}

// PrefetchQuery resolves one query into the store. Failures return to the
// caller; a rejected prefetch is never swallowed.
func PrefetchQuery[I, O any](ctx context.Context, h Helpers, p Procedure[I, O], in I) error {
	c, err := h.client()
	if err != nil {
		return err
	}
	_, err = Query(ctx, c, p, in)
	return err
}

// PrefetchInfiniteQuery resolves up to pages pages of a paginated query into
// the store, following next from page to page. It stops early when next
// reports the sequence is exhausted.
func PrefetchInfiniteQuery[I, O any](ctx context.Context, h Helpers, p Procedure[I, O], in I, pages int, next NextPageFunc[O]) error {
	if pages <= 0 {
		return fmt.Errorf("rpcq: pages must be positive")
	}
	c, err := h.client()
	if err != nil {
		return err
	}
	q, err := InfiniteQuery(c, p, in, next)
	if err != nil {
		return err
	}
	for i := 0; i < pages; i++ {
		before := len(q.Pages())
		out, err := q.FetchNext(ctx)
		if err != nil {
			return err
		}
		if len(out) == before {
			break // exhausted
		}
	}
	return nil
}

// Dehydrate snapshots the store's successful entries.
func (h Helpers) Dehydrate() Snapshot { return h.Store.Dehydrate() }

// Hydrate restores a snapshot into the store.
func (h Helpers) Hydrate(snap Snapshot) { h.Store.Hydrate(snap) }

// SnapshotCache is a byte store with TTL for encoded snapshots, used to reuse
// one dehydrated snapshot across identical requests. snapcache ships lru,
// ristretto, bigcache and redis implementations.
type SnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// CachedSnapshot returns the encoded snapshot cached under cacheKey, or warms
// the store via warm, dehydrates, encodes with t and caches the result.
// Cached bytes that fail envelope validation self-heal: the key is deleted
// and the snapshot rebuilt. Cache write failures are not fatal; the encoded
// snapshot is still returned.
func (h Helpers) CachedSnapshot(ctx context.Context, sc SnapshotCache, cacheKey string, ttl time.Duration, t Transformer, warm func(ctx context.Context) error) ([]byte, error) {
	if sc == nil {
		return nil, fmt.Errorf("rpcq: snapshot cache is required")
	}
	if b, ok, err := sc.Get(ctx, cacheKey); err == nil && ok {
		if _, derr := wire.Decode(b); derr == nil {
			return b, nil
		}
		_ = sc.Del(ctx, cacheKey) // self-heal corrupt
	}

	if warm != nil {
		if err := warm(ctx); err != nil {
			return nil, err
		}
	}
	b, err := EncodeSnapshot(h.Store.Dehydrate(), t)
	if err != nil {
		return nil, err
	}
	_ = sc.Set(ctx, cacheKey, b, ttl) // best effort
	return b, nil
}
