package rpcq

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The store and the binders call them on hot paths.
type Hooks interface {
	// A fetch went upstream (cache miss or forced refresh).
	FetchStarted(id string)

	// A fetch joined an identical in-flight call instead of going upstream.
	FetchShared(id string)

	// A read was served from a fresh entry without a round trip.
	CacheHit(id string)

	// A read found no usable entry.
	CacheMiss(id string)

	// An upstream call failed; the error was recorded on the entry.
	FetchError(id string, err error)

	// An idle entry was dropped.
	// reason ∈ {"capacity", "idle"}
	EntryEvicted(id, reason string)

	// A snapshot entry was restored into the store.
	SnapshotRestored(id string)

	// A live loop parked instead of fetching again.
	// reason ∈ {"cursor_repeat", "empty_batch", "error"}
	LiveStalled(id, reason string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) FetchStarted(string)         {}
func (NopHooks) FetchShared(string)          {}
func (NopHooks) CacheHit(string)             {}
func (NopHooks) CacheMiss(string)            {}
func (NopHooks) FetchError(string, error)    {}
func (NopHooks) EntryEvicted(string, string) {}
func (NopHooks) SnapshotRestored(string)     {}
func (NopHooks) LiveStalled(string, string)  {}
