package rpcq

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a store entry.
type Status string

const (
	// StatusIdle marks an entry created before any fetch, e.g. by Watch.
	StatusIdle Status = "idle"
	// StatusPending marks an entry with a fetch in flight.
	StatusPending Status = "pending"
	// StatusSuccess marks an entry holding a resolved value.
	StatusSuccess Status = "success"
	// StatusError marks an entry whose last fetch failed.
	StatusError Status = "error"
)

// FetchFunc performs the upstream call for an entry. The store owns the
// context: it is cancelled by CancelFetch and by Close.
type FetchFunc func(ctx context.Context) (any, error)

// PageFunc performs the upstream call for one page. param is the opaque page
// cursor; nil requests the first page.
type PageFunc func(ctx context.Context, param json.RawMessage) (any, error)

// FetchOptions tune a single Fetch call.
type FetchOptions struct {
	// Refresh forces a round trip even when the entry is fresh.
	Refresh bool
	// StaleFor overrides the store's freshness window for this read; 0 keeps
	// the store default.
	StaleFor time.Duration
}

// PageOptions tune a single FetchPage call.
type PageOptions struct {
	// Param is the page cursor to fetch; nil fetches the first page. A param
	// already present on the entry is not fetched again.
	Param json.RawMessage
	// Reset drops the fetched pages before fetching.
	Reset bool
}

// Pages is the accumulated value of a paginated entry: one item per fetched
// page, parallel to the params that produced them (first param is nil).
type Pages struct {
	Items  []any
	Params []json.RawMessage
}

// EntryView is a point-in-time copy of one entry.
type EntryView struct {
	Key       Key
	Status    Status
	Value     any   // last resolved value; Pages for paginated entries
	Err       error // last failure; nil after a success
	Stale     bool  // set by Invalidate until the next successful fetch
	UpdatedAt time.Time
}

// Store is the query cache the binders delegate to. Implementations must be
// safe for concurrent use. memstore is the in-process reference; the binders
// rely only on the semantics documented here.
type Store interface {
	// Fetch resolves the entry for key. A fresh successful entry is returned
	// without invoking fn. Otherwise fn runs once, its result (or error) is
	// recorded on the entry, and watchers wake. Concurrent Fetch calls for
	// one key join the in-flight fn instead of running their own.
	Fetch(ctx context.Context, key Key, fn FetchFunc, opts FetchOptions) (any, error)

	// FetchPage appends one page to the entry's Pages value. Fetching an
	// already-present param returns the current pages without a round trip;
	// concurrent page fetches for one key are serialized.
	FetchPage(ctx context.Context, key Key, fn PageFunc, opts PageOptions) (Pages, error)

	// Get returns the entry view without fetching.
	Get(key Key) (EntryView, bool)

	// Set writes value as the entry's resolved value and wakes watchers.
	Set(key Key, value any)

	// Invalidate marks the entry stale (next Fetch goes upstream) and wakes
	// watchers. InvalidatePath invalidates every entry under path, all kinds.
	Invalidate(key Key)
	InvalidatePath(path string)

	// CancelFetch cancels the in-flight fetch for key, if any. The entry
	// keeps its previous resolved state.
	CancelFetch(key Key)

	// Watch streams entry views until the cancel func is called. The channel
	// is buffered; a slow watcher observes the latest view, not every one.
	Watch(key Key) (<-chan EntryView, func())

	// Dehydrate copies all successful entries into a transferable snapshot.
	// Hydrate restores snapshot entries, keeping newer local data when both
	// sides have the same key.
	Dehydrate() Snapshot
	Hydrate(snap Snapshot)

	// Close stops background work and cancels in-flight fetches.
	Close(ctx context.Context) error
}
