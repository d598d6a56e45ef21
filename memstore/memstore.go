// Package memstore is the in-process reference implementation of rpcq.Store:
// a reactive query cache with fetch de-duplication, freshness windows,
// watcher channels and snapshot dehydrate/hydrate.
//
// Entries live in an active set while watched or fetching and retire into a
// bounded LRU when idle; a background sweeper drops idle entries past their
// age window. A fetch runs on a context derived from the initiating caller's,
// so cancelling that caller (or CancelFetch, or Close) cancels the shared
// upstream call.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/unkn0wn-root/rpcq"
	"github.com/unkn0wn-root/rpcq/internal/canon"
)

// ErrClosed is returned by fetches against a closed store.
var ErrClosed = errors.New("memstore: store is closed")

// Options tune the store. The zero value is ready to use.
type Options struct {
	MaxIdle         int           // idle entry cap; 0 => 1024
	GCInterval      time.Duration // sweep cadence; 0 => 1m
	IdleFor         time.Duration // idle age before the sweeper drops an entry; 0 => 5m
	DefaultStaleFor time.Duration // freshness window; 0 => 30s
	Logger          rpcq.Logger   // if nil, NopLogger is used
	Hooks           rpcq.Hooks    // if nil, NopHooks is used
}

type entry struct {
	key       rpcq.Key
	status    rpcq.Status
	value     any
	err       error
	invalid   bool
	updatedAt time.Time
	lastTouch time.Time
	seq       uint64 // bumped under the store lock on every broadcast

	flight    *flight
	watchers  map[int]*watcher
	nextWatch int
}

// watcher is one Watch subscription. seq is the newest broadcast written to
// ch; deliveries racing out of store-lock order compare against it so an
// older view never replaces a newer one.
type watcher struct {
	ch  chan rpcq.EntryView
	mu  sync.Mutex
	seq uint64
}

// flight is one in-flight upstream call; concurrent fetches join it.
type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	prev   rpcq.Status // restored when the call is cancelled
	value  any
	err    error
}

type Store struct {
	maxIdle  int
	gcEvery  time.Duration
	idleFor  time.Duration
	staleFor time.Duration
	log      rpcq.Logger
	hooks    rpcq.Hooks

	mu       sync.Mutex
	active   map[string]*entry
	idle     *lru.Cache[string, *entry]
	suppress bool // silence the LRU evict callback during deliberate removes
	closed   bool

	ticker    *time.Ticker
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ rpcq.Store = (*Store)(nil)

func New(opts Options) *Store {
	s := &Store{
		active: make(map[string]*entry),
	}
	s.maxIdle = coalesce(opts.MaxIdle, 1024)
	s.gcEvery = coalesce(opts.GCInterval, time.Minute)
	s.idleFor = coalesce(opts.IdleFor, 5*time.Minute)
	s.staleFor = coalesce(opts.DefaultStaleFor, 30*time.Second)
	s.log = coalesce[rpcq.Logger](opts.Logger, rpcq.NopLogger{})
	s.hooks = coalesce[rpcq.Hooks](opts.Hooks, rpcq.NopHooks{})

	// maxIdle is positive after coalesce, so the constructor cannot fail
	s.idle, _ = lru.NewWithEvict[string, *entry](s.maxIdle, s.onEvict)

	if s.gcEvery > 0 && s.idleFor > 0 {
		s.ticker = time.NewTicker(s.gcEvery)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Store) Fetch(ctx context.Context, key rpcq.Key, fn rpcq.FetchFunc, opts rpcq.FetchOptions) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := key.ID()
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := s.lookupLocked(id)
	if !ok {
		e = s.createLocked(id, key)
	}
	e.lastTouch = now

	staleFor := opts.StaleFor
	if staleFor == 0 {
		staleFor = s.staleFor
	}
	if !opts.Refresh && e.status == rpcq.StatusSuccess && !e.invalid && now.Sub(e.updatedAt) < staleFor {
		v := e.value
		s.mu.Unlock()
		s.hooks.CacheHit(id)
		return v, nil
	}

	if fl := e.flight; fl != nil {
		s.mu.Unlock()
		s.hooks.FetchShared(id)
		select {
		case <-fl.done:
			return fl.value, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	miss := e.status != rpcq.StatusSuccess
	s.promoteLocked(id, e)
	fctx, cancel := context.WithCancel(ctx)
	fl := &flight{done: make(chan struct{}), cancel: cancel, prev: e.status}
	e.flight = fl
	e.status = rpcq.StatusPending
	s.wg.Add(1)
	go s.runFetch(fctx, id, e, fl, fn)
	s.mu.Unlock()

	if miss {
		s.hooks.CacheMiss(id)
	}
	s.hooks.FetchStarted(id)

	select {
	case <-fl.done:
		return fl.value, fl.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) runFetch(ctx context.Context, id string, e *entry, fl *flight, fn rpcq.FetchFunc) {
	defer s.wg.Done()
	// release the child context once the call is over; a cancellable parent
	// would otherwise keep every finished flight registered until it dies.
	// CancelFunc is idempotent, so CancelFetch/Close may fire it too.
	defer fl.cancel()
	v, err := fn(ctx)

	s.mu.Lock()
	fl.value, fl.err = v, err
	if e.flight == fl {
		e.flight = nil
	}
	canceled := wasCanceled(ctx, err)
	switch {
	case err == nil:
		e.status = rpcq.StatusSuccess
		e.value = v
		e.err = nil
		e.invalid = false
		e.updatedAt = time.Now()
	case canceled:
		e.status = fl.prev // a cancelled fetch leaves the entry as it was
	default:
		e.status = rpcq.StatusError
		e.err = err
	}
	watchers, view, seq := s.broadcastPrepLocked(e)
	s.retireIfIdleLocked(id, e)
	s.mu.Unlock()

	close(fl.done)
	if err != nil && !canceled {
		s.hooks.FetchError(id, err)
		s.log.Debug("fetch failed", rpcq.Fields{"id": id, "err": err})
	}
	deliver(watchers, view, seq)
}

func (s *Store) FetchPage(ctx context.Context, key rpcq.Key, fn rpcq.PageFunc, opts rpcq.PageOptions) (rpcq.Pages, error) {
	if err := ctx.Err(); err != nil {
		return rpcq.Pages{}, err
	}
	id := key.ID()
	reset := opts.Reset

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return rpcq.Pages{}, ErrClosed
		}
		e, ok := s.lookupLocked(id)
		if !ok {
			e = s.createLocked(id, key)
		}
		e.lastTouch = time.Now()

		// serialize page fetches per key: join, then re-check
		if fl := e.flight; fl != nil {
			s.mu.Unlock()
			s.hooks.FetchShared(id)
			select {
			case <-fl.done:
			case <-ctx.Done():
				return rpcq.Pages{}, ctx.Err()
			}
			continue
		}

		cur, _ := e.value.(rpcq.Pages)
		if reset {
			cur = rpcq.Pages{}
			e.value = cur
			reset = false
		}

		// idempotent: a param that is already a page is not fetched again
		if opts.Param == nil && len(cur.Items) > 0 {
			s.mu.Unlock()
			s.hooks.CacheHit(id)
			return cur, nil
		}
		if opts.Param != nil {
			for _, p := range cur.Params {
				if canon.Equal(p, opts.Param) {
					s.mu.Unlock()
					s.hooks.CacheHit(id)
					return cur, nil
				}
			}
		}

		s.promoteLocked(id, e)
		fctx, cancel := context.WithCancel(ctx)
		fl := &flight{done: make(chan struct{}), cancel: cancel, prev: e.status}
		e.flight = fl
		e.status = rpcq.StatusPending
		s.wg.Add(1)
		go s.runPageFetch(fctx, id, e, fl, fn, opts.Param)
		s.mu.Unlock()

		s.hooks.FetchStarted(id)

		select {
		case <-fl.done:
		case <-ctx.Done():
			return rpcq.Pages{}, ctx.Err()
		}
		if fl.err != nil {
			return rpcq.Pages{}, fl.err
		}
		pv, _ := fl.value.(rpcq.Pages)
		return pv, nil
	}
}

func (s *Store) runPageFetch(ctx context.Context, id string, e *entry, fl *flight, fn rpcq.PageFunc, param json.RawMessage) {
	defer s.wg.Done()
	defer fl.cancel() // see runFetch
	v, err := fn(ctx, param)

	s.mu.Lock()
	fl.err = err
	if e.flight == fl {
		e.flight = nil
	}
	canceled := wasCanceled(ctx, err)
	switch {
	case err == nil:
		// copy-on-append keeps handed-out views immutable
		cur, _ := e.value.(rpcq.Pages)
		next := rpcq.Pages{
			Items:  append(append(make([]any, 0, len(cur.Items)+1), cur.Items...), v),
			Params: append(append(make([]json.RawMessage, 0, len(cur.Params)+1), cur.Params...), param),
		}
		e.value = next
		e.status = rpcq.StatusSuccess
		e.err = nil
		e.invalid = false
		e.updatedAt = time.Now()
		fl.value = next
	case canceled:
		e.status = fl.prev
	default:
		e.status = rpcq.StatusError
		e.err = err
	}
	watchers, view, seq := s.broadcastPrepLocked(e)
	s.retireIfIdleLocked(id, e)
	s.mu.Unlock()

	close(fl.done)
	if err != nil && !canceled {
		s.hooks.FetchError(id, err)
		s.log.Debug("page fetch failed", rpcq.Fields{"id": id, "err": err})
	}
	deliver(watchers, view, seq)
}

func (s *Store) Get(key rpcq.Key) (rpcq.EntryView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookupLocked(key.ID())
	if !ok {
		return rpcq.EntryView{}, false
	}
	return s.viewLocked(e), true
}

func (s *Store) Set(key rpcq.Key, value any) {
	id := key.ID()
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e, ok := s.lookupLocked(id)
	if !ok {
		e = s.createLocked(id, key)
	}
	e.value = value
	e.status = rpcq.StatusSuccess
	e.err = nil
	e.invalid = false
	e.updatedAt = now
	e.lastTouch = now
	watchers, view, seq := s.broadcastPrepLocked(e)
	s.retireIfIdleLocked(id, e)
	s.mu.Unlock()

	deliver(watchers, view, seq)
}

func (s *Store) Invalidate(key rpcq.Key) {
	s.mu.Lock()
	e, ok := s.lookupLocked(key.ID())
	if !ok {
		s.mu.Unlock()
		return
	}
	e.invalid = true
	watchers, view, seq := s.broadcastPrepLocked(e)
	s.mu.Unlock()

	deliver(watchers, view, seq)
}

func (s *Store) InvalidatePath(path string) {
	s.mu.Lock()
	var woken []struct {
		ws   []*watcher
		view rpcq.EntryView
		seq  uint64
	}
	mark := func(e *entry) {
		if e.key.Path != path {
			return
		}
		e.invalid = true
		ws, view, seq := s.broadcastPrepLocked(e)
		if len(ws) > 0 {
			woken = append(woken, struct {
				ws   []*watcher
				view rpcq.EntryView
				seq  uint64
			}{ws, view, seq})
		}
	}
	for _, e := range s.active {
		mark(e)
	}
	for _, id := range s.idle.Keys() {
		if e, ok := s.idle.Peek(id); ok {
			mark(e)
		}
	}
	s.mu.Unlock()

	for _, w := range woken {
		deliver(w.ws, w.view, w.seq)
	}
}

func (s *Store) CancelFetch(key rpcq.Key) {
	s.mu.Lock()
	e, ok := s.lookupLocked(key.ID())
	if !ok || e.flight == nil {
		s.mu.Unlock()
		return
	}
	cancel := e.flight.cancel
	s.mu.Unlock()
	cancel()
}

// Watch streams entry views until cancel is called. The channel is buffered
// and never closed; a slow watcher observes the latest view. A view already
// being delivered may still arrive right after cancel.
func (s *Store) Watch(key rpcq.Key) (<-chan rpcq.EntryView, func()) {
	id := key.ID()

	s.mu.Lock()
	e, ok := s.lookupLocked(id)
	if !ok {
		e = s.createLocked(id, key)
	}
	s.promoteLocked(id, e)
	wid := e.nextWatch
	e.nextWatch++
	w := &watcher{ch: make(chan rpcq.EntryView, 1), seq: e.seq}
	e.watchers[wid] = w
	if e.status != rpcq.StatusIdle {
		w.ch <- s.viewLocked(e) // seed new watchers with the current view
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if e2, ok := s.lookupLocked(id); ok {
			delete(e2.watchers, wid)
			s.retireIfIdleLocked(id, e2)
		}
		s.mu.Unlock()
	}
	return w.ch, cancel
}

func (s *Store) Dehydrate() rpcq.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap rpcq.Snapshot
	collect := func(e *entry) {
		if e.status != rpcq.StatusSuccess || e.invalid {
			return
		}
		se, err := snapshotEntry(e)
		if err != nil {
			s.log.Warn("dehydrate: skipping entry", rpcq.Fields{"id": e.key.ID(), "err": err})
			return
		}
		snap.Entries = append(snap.Entries, se)
	}
	for _, e := range s.active {
		collect(e)
	}
	for _, id := range s.idle.Keys() {
		if e, ok := s.idle.Peek(id); ok {
			collect(e)
		}
	}
	// deterministic order so identical stores dehydrate to identical bytes
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key().ID() < snap.Entries[j].Key().ID()
	})
	return snap
}

func (s *Store) Hydrate(snap rpcq.Snapshot) {
	for _, se := range snap.Entries {
		key, err := rpcq.DeriveRaw(se.Path, se.Input, se.Kind)
		if err != nil {
			s.log.Warn("hydrate: skipping entry", rpcq.Fields{"path": se.Path, "err": err})
			continue
		}
		value, ok := hydratedValue(se)
		if !ok {
			continue
		}
		id := key.ID()
		at := time.UnixMilli(se.UpdatedAt)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		e, found := s.lookupLocked(id)
		if found && (e.flight != nil || e.updatedAt.After(at)) {
			s.mu.Unlock() // local entry is newer or mid-fetch: keep it
			continue
		}
		if !found {
			e = s.createLocked(id, key)
		}
		e.value = value
		e.status = rpcq.StatusSuccess
		e.err = nil
		e.invalid = false
		e.updatedAt = at
		e.lastTouch = time.Now()
		watchers, view, seq := s.broadcastPrepLocked(e)
		s.retireIfIdleLocked(id, e)
		s.mu.Unlock()

		s.hooks.SnapshotRestored(id)
		deliver(watchers, view, seq)
	}
}

func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		var cancels []context.CancelFunc
		for _, e := range s.active {
			if e.flight != nil {
				cancels = append(cancels, e.flight.cancel)
			}
		}
		s.mu.Unlock()

		for _, cancel := range cancels {
			cancel()
		}
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop() // stop ticker before waiting
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- internals ---

func (s *Store) lookupLocked(id string) (*entry, bool) {
	if e, ok := s.active[id]; ok {
		return e, true
	}
	return s.idle.Get(id)
}

func (s *Store) createLocked(id string, key rpcq.Key) *entry {
	e := &entry{
		key:      key,
		status:   rpcq.StatusIdle,
		watchers: make(map[int]*watcher),
	}
	s.active[id] = e
	return e
}

func (s *Store) promoteLocked(id string, e *entry) {
	if _, ok := s.active[id]; ok {
		return
	}
	s.suppress = true
	s.idle.Remove(id)
	s.suppress = false
	s.active[id] = e
}

// retireIfIdleLocked moves an unused entry from the active set into the
// bounded idle cache. Placeholder entries that never resolved are dropped.
func (s *Store) retireIfIdleLocked(id string, e *entry) {
	if _, ok := s.active[id]; !ok {
		return
	}
	if len(e.watchers) > 0 || e.flight != nil {
		return
	}
	delete(s.active, id)
	if e.status == rpcq.StatusIdle {
		return
	}
	s.idle.Add(id, e)
}

func (s *Store) onEvict(id string, _ *entry) {
	if s.suppress {
		return
	}
	s.hooks.EntryEvicted(id, "capacity")
}

func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.idleFor)

	s.mu.Lock()
	var evicted []string
	for _, id := range s.idle.Keys() {
		e, ok := s.idle.Peek(id)
		if !ok || !e.lastTouch.Before(cutoff) {
			continue
		}
		s.suppress = true
		s.idle.Remove(id)
		s.suppress = false
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.hooks.EntryEvicted(id, "idle")
	}
	if len(evicted) > 0 {
		s.log.Debug("swept idle entries", rpcq.Fields{"count": len(evicted)})
	}
}

func (s *Store) viewLocked(e *entry) rpcq.EntryView {
	return rpcq.EntryView{
		Key:       e.key,
		Status:    e.status,
		Value:     e.value,
		Err:       e.err,
		Stale:     e.invalid,
		UpdatedAt: e.updatedAt,
	}
}

// broadcastPrepLocked stamps the transition with the entry's next sequence
// number and snapshots the watcher set plus the view to send. The store lock
// orders the stamps, so sequence order is transition order even when the
// sends themselves race.
func (s *Store) broadcastPrepLocked(e *entry) ([]*watcher, rpcq.EntryView, uint64) {
	e.seq++
	if len(e.watchers) == 0 {
		return nil, rpcq.EntryView{}, e.seq
	}
	ws := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		ws = append(ws, w)
	}
	return ws, s.viewLocked(e), e.seq
}

// deliver sends a view to each watcher, replacing an unread older view so a
// slow watcher always observes the latest state. A delivery that lost the
// race to a newer one is dropped instead of clobbering it.
func deliver(ws []*watcher, v rpcq.EntryView, seq uint64) {
	for _, w := range ws {
		w.mu.Lock()
		if seq > w.seq {
			w.seq = seq
			select {
			case w.ch <- v:
			default:
				select {
				case <-w.ch:
				default:
				}
				// writers all hold w.mu and the reader only drains,
				// so the freed slot is ours
				w.ch <- v
			}
		}
		w.mu.Unlock()
	}
}

func wasCanceled(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func snapshotEntry(e *entry) (rpcq.SnapshotEntry, error) {
	se := rpcq.SnapshotEntry{
		Path:      e.key.Path,
		Input:     e.key.Input,
		Kind:      e.key.Kind,
		UpdatedAt: e.updatedAt.UnixMilli(),
	}
	if pv, ok := e.value.(rpcq.Pages); ok {
		se.Pages = make([]json.RawMessage, 0, len(pv.Items))
		for _, it := range pv.Items {
			raw, err := toRaw(it)
			if err != nil {
				return se, err
			}
			se.Pages = append(se.Pages, raw)
		}
		se.PageParams = append([]json.RawMessage(nil), pv.Params...)
		return se, nil
	}
	raw, err := toRaw(e.value)
	if err != nil {
		return se, err
	}
	se.Data = raw
	return se, nil
}

func toRaw(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

// hydratedValue rebuilds the stored value shape for a snapshot entry. Raw
// payloads stay raw; the binders decode and memoize on first typed read.
func hydratedValue(se rpcq.SnapshotEntry) (any, bool) {
	if se.Kind == rpcq.KindInfinite {
		if len(se.Pages) == 0 {
			return nil, false
		}
		items := make([]any, len(se.Pages))
		for i, r := range se.Pages {
			items[i] = r
		}
		return rpcq.Pages{
			Items:  items,
			Params: append([]json.RawMessage(nil), se.PageParams...),
		}, true
	}
	if se.Data == nil {
		return nil, false
	}
	return se.Data, true
}

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
