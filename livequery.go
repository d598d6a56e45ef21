package rpcq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/unkn0wn-root/rpcq/internal/canon"
)

// LiveState is the phase of a live loop.
type LiveState string

const (
	// LiveFetching: a long-poll is in flight.
	LiveFetching LiveState = "fetching"
	// LiveEvaluating: the loop is comparing the returned cursor.
	LiveEvaluating LiveState = "evaluating"
	// LiveStalled: the loop is parked until Refetch or Stop.
	LiveStalled LiveState = "stalled"
	// LiveStopped: the loop has exited; the handle is inert.
	LiveStopped LiveState = "stopped"
)

// Live stall reasons, as reported through Hooks.LiveStalled.
const (
	stallCursorRepeat = "cursor_repeat"
	stallEmptyBatch   = "empty_batch"
	stallError        = "error"
)

type liveConfig struct {
	resume json.RawMessage
}

type LiveOption func(*liveConfig)

// ResumeFrom starts the loop from a known cursor instead of null, e.g. one
// carried over from a dehydrated batch on another machine.
func ResumeFrom(cursor json.RawMessage) LiveOption {
	return func(c *liveConfig) { c.resume = cursor }
}

// Live is a handle on a running live query. One goroutine drives the loop:
//
//	fetching -> evaluating -> fetching   (cursor advanced)
//	                       -> stalled    (cursor repeat / empty batch / error)
//	stalled  -> fetching                 (Refetch)
//	any      -> stopped                  (Stop or ctx cancelled)
//
// Requests are never in flight concurrently for one handle; a new poll starts
// only after the previous batch is evaluated.
type Live[I, O any] struct {
	c   *Client
	key Key

	kick    chan struct{}
	updates chan struct{}
	stop    context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	state  LiveState
	cursor json.RawMessage // canonical; nil until the first batch
	err    error
}

// LiveQuery starts a live query: an endless long-poll loop that follows the
// server's cursor chain and keeps the latest batch in the store under the
// KindLive key. If the store already holds a batch for the key (hydration),
// the loop resumes from its last cursor.
func LiveQuery[I, O any](ctx context.Context, c *Client, p Procedure[I, O], in I, opts ...LiveOption) (*Live[I, O], error) {
	key, err := Derive(p.path, in, KindLive)
	if err != nil {
		return nil, err
	}
	var cfg liveConfig
	for _, o := range opts {
		o(&cfg)
	}

	lctx, cancel := context.WithCancel(ctx)
	l := &Live[I, O]{
		c:       c,
		key:     key,
		kick:    make(chan struct{}, 1),
		updates: make(chan struct{}, 1),
		stop:    cancel,
		done:    make(chan struct{}),
		state:   LiveFetching,
	}
	l.cursor = l.startCursor(cfg.resume)

	go l.run(lctx)
	return l, nil
}

// startCursor picks the loop's first cursor: an explicit ResumeFrom wins,
// then the last cursor of a hydrated batch, then nil.
func (l *Live[I, O]) startCursor(resume json.RawMessage) json.RawMessage {
	if resume != nil {
		if cur, err := canon.EncodeRaw(resume); err == nil {
			return cur
		}
		return nil
	}
	ev, ok := l.c.store.Get(l.key)
	if !ok || ev.Value == nil {
		return nil
	}
	b, err := l.batchOf(ev.Value)
	if err != nil {
		return nil
	}
	last, ok := b.Last()
	if !ok {
		return nil
	}
	if cur, err := canon.EncodeRaw(last.Cursor); err == nil {
		return cur
	}
	return nil
}

func (l *Live[I, O]) run(ctx context.Context) {
	defer close(l.done)
	defer l.setState(LiveStopped)

	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(LiveFetching)
		batch, err := l.fetchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		l.setState(LiveEvaluating)

		var reason string
		switch {
		case err != nil:
			l.setErr(err)
			reason = stallError
		default:
			last, ok := batch.Last()
			if !ok {
				reason = stallEmptyBatch
				break
			}
			cur, cerr := canon.EncodeRaw(last.Cursor)
			if cerr != nil {
				l.setErr(&Error{Code: CodeParse, Path: l.key.Path, Message: "decode cursor", Err: cerr})
				reason = stallError
				break
			}
			if l.advanceCursor(cur) {
				continue // new cursor, fetch again
			}
			reason = stallCursorRepeat
		}

		l.c.hooks.LiveStalled(l.key.ID(), reason)
		l.c.log.Debug("live query stalled", Fields{"id": l.key.ID(), "reason": reason})
		l.setState(LiveStalled)
		select {
		case <-ctx.Done():
			return
		case <-l.kick:
		}
	}
}

// fetchOnce runs one long-poll through the store so watchers, dedup and
// dehydration all see the batch. Refresh is forced: live entries are always
// re-polled, freshness never short-circuits the loop.
func (l *Live[I, O]) fetchOnce(ctx context.Context) (Batch, error) {
	l.mu.Lock()
	cur := l.cursor
	l.mu.Unlock()

	merged, err := canon.MergeCursor(l.key.Input, cur)
	if err != nil {
		return Batch{}, &Error{Code: CodeBadRequest, Path: l.key.Path, Message: "merge cursor", Err: err}
	}
	v, err := l.c.store.Fetch(ctx, l.key, func(fctx context.Context) (any, error) {
		b, err := l.c.caller.SubscribeOnce(fctx, l.key.Path, merged)
		if err != nil {
			return nil, wrapRPC(l.key.Path, err)
		}
		return b, nil
	}, FetchOptions{Refresh: true})
	if err != nil {
		return Batch{}, err
	}
	return l.batchOf(v)
}

// batchOf converts a stored value into a Batch. Hydrated entries carry the
// batch as raw JSON; the decoded form is written back once.
func (l *Live[I, O]) batchOf(v any) (Batch, error) {
	if b, ok := v.(Batch); ok {
		return b, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var b Batch
		if err := json.Unmarshal(raw, &b); err != nil {
			return Batch{}, &Error{Code: CodeParse, Path: l.key.Path, Message: "decode cached batch", Err: err}
		}
		l.c.store.Set(l.key, b)
		return b, nil
	}
	return Batch{}, &Error{Code: CodeInternal, Path: l.key.Path, Message: fmt.Sprintf("cached value is %T", v)}
}

// Data returns the payload of the most recent batch item. It reads the store,
// so hydrated data is visible before the first poll resolves.
func (l *Live[I, O]) Data() (O, bool) {
	var zero O
	ev, ok := l.c.store.Get(l.key)
	if !ok || ev.Value == nil {
		return zero, false
	}
	b, err := l.batchOf(ev.Value)
	if err != nil {
		return zero, false
	}
	last, ok := b.Last()
	if !ok {
		return zero, false
	}
	var out O
	if err := json.Unmarshal(last.Data, &out); err != nil {
		return zero, false
	}
	return out, true
}

// Batch returns the most recent whole batch, false when none arrived yet.
func (l *Live[I, O]) Batch() (Batch, bool) {
	ev, ok := l.c.store.Get(l.key)
	if !ok || ev.Value == nil {
		return Batch{}, false
	}
	b, err := l.batchOf(ev.Value)
	if err != nil {
		return Batch{}, false
	}
	return b, true
}

// Err returns the error that stalled the loop, nil after a healthy poll.
func (l *Live[I, O]) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Live[I, O]) State() LiveState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Updates signals after every evaluated poll that changed the handle: new
// data, a new error, or a stall. Signals coalesce; read the store for state.
func (l *Live[I, O]) Updates() <-chan struct{} { return l.updates }

// Refetch schedules another poll. A stalled loop wakes immediately; a loop
// mid-poll runs one extra cycle instead of stalling. One signal is buffered,
// repeats coalesce.
func (l *Live[I, O]) Refetch() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the in-flight poll and exits the loop.
func (l *Live[I, O]) Stop() { l.stop() }

// Done closes when the loop has exited.
func (l *Live[I, O]) Done() <-chan struct{} { return l.done }

func (l *Live[I, O]) setState(s LiveState) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && (s == LiveStalled || s == LiveStopped) {
		l.notify()
	}
}

// advanceCursor returns false when next equals the current cursor
// (canonical-JSON byte equality), leaving the loop to stall.
func (l *Live[I, O]) advanceCursor(next json.RawMessage) bool {
	l.mu.Lock()
	if canon.Equal(l.cursor, next) {
		l.mu.Unlock()
		return false
	}
	l.cursor = next
	l.err = nil
	l.mu.Unlock()
	l.notify()
	return true
}

func (l *Live[I, O]) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
	l.notify()
}

func (l *Live[I, O]) notify() {
	select {
	case l.updates <- struct{}{}:
	default:
	}
}
