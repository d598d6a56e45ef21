// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/rpcq"
//	"github.com/unkn0wn-root/rpcq/hooks/async"
//	"github.com/unkn0wn-root/rpcq/memstore"
//	"github.com/unkn0wn-root/rpcq/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    TrafficEvery: 100, // sample hot-path events: ~every 100th hit/miss
//	    EvictEvery:   10,  // ~every 10th eviction
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	store := memstore.New(memstore.Options{Hooks: hooks})
//	client, _ := rpcq.New(rpcq.Options{
//	    Caller: caller,
//	    Store:  store,
//	    Hooks:  hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/rpcq"
)

type Hooks struct {
	inner rpcq.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ rpcq.Hooks = (*Hooks)(nil)

func New(inner rpcq.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) FetchStarted(id string)          { h.try(func() { h.inner.FetchStarted(id) }) }
func (h *Hooks) FetchShared(id string)           { h.try(func() { h.inner.FetchShared(id) }) }
func (h *Hooks) CacheHit(id string)              { h.try(func() { h.inner.CacheHit(id) }) }
func (h *Hooks) CacheMiss(id string)             { h.try(func() { h.inner.CacheMiss(id) }) }
func (h *Hooks) FetchError(id string, err error) { h.try(func() { h.inner.FetchError(id, err) }) }
func (h *Hooks) EntryEvicted(id, reason string)  { h.try(func() { h.inner.EntryEvicted(id, reason) }) }
func (h *Hooks) SnapshotRestored(id string)      { h.try(func() { h.inner.SnapshotRestored(id) }) }
func (h *Hooks) LiveStalled(id, reason string)   { h.try(func() { h.inner.LiveStalled(id, reason) }) }
