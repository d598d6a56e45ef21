// Package rpcq binds typed RPC procedures to a reactive query cache. Callers
// invoke remote procedures through a transport-agnostic Caller; the library
// derives stable cache keys, shares identical in-flight calls, and keeps
// results in a pluggable Store so repeat reads resolve without a round trip.
//
// Components:
//   - Caller: the RPC client contract (Query / Mutate / SubscribeOnce).
//   - Store: the query cache. memstore is the in-process reference.
//   - Procedure[I, O]: a typed handle on a procedure path.
//   - Binders: Query, NewMutation, InfiniteQuery, SubscribeOnce, LiveQuery.
//   - Helpers: server-side prefetch plus snapshot dehydrate/hydrate.
//
// Keys:
//
//	<path>:<kind>:<hash>  - kind ∈ {query, infinite, live};
//	                        hash over the canonical JSON input (null when none)
//
// Query pattern:
//
//	store := memstore.New(memstore.Options{})
//	client, _ := rpcq.New(rpcq.Options{Caller: caller, Store: store})
//	userByID := rpcq.NewProcedure[UserParams, User]("user.byId")
//	u, err := rpcq.Query(ctx, client, userByID, UserParams{ID: 7})
package rpcq
