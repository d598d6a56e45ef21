package rpcq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Procedure is a typed handle on a procedure path. I is the input type, O the
// output (for subscriptions, the per-item payload). Handles are values: build
// them once next to the path constants and share freely.
type Procedure[I, O any] struct {
	path string
}

func NewProcedure[I, O any](path string) Procedure[I, O] {
	return Procedure[I, O]{path: path}
}

func (p Procedure[I, O]) Path() string { return p.path }

// None is the input type of procedures that take no input. It marshals to
// JSON null, the same canonical form as a nil input.
type None struct{}

func (None) MarshalJSON() ([]byte, error) { return []byte("null"), nil }
func (*None) UnmarshalJSON([]byte) error  { return nil }

type queryConfig struct {
	refresh  bool
	staleFor time.Duration
}

type QueryOption func(*queryConfig)

// Refresh forces a round trip even when the cached entry is fresh.
func Refresh() QueryOption {
	return func(c *queryConfig) { c.refresh = true }
}

// StaleFor overrides the store's freshness window for this call.
func StaleFor(d time.Duration) QueryOption {
	return func(c *queryConfig) { c.staleFor = d }
}

// Query resolves a typed query through the store. A fresh cached entry
// returns without a round trip; otherwise the caller is invoked once and the
// result is shared with every concurrent caller of the same key.
func Query[I, O any](ctx context.Context, c *Client, p Procedure[I, O], in I, opts ...QueryOption) (O, error) {
	var zero O
	key, err := Derive(p.path, in, KindQuery)
	if err != nil {
		return zero, err
	}
	var cfg queryConfig
	for _, o := range opts {
		o(&cfg)
	}
	v, err := c.store.Fetch(ctx, key, func(fctx context.Context) (any, error) {
		raw, err := c.caller.Query(fctx, key.Path, key.Input)
		if err != nil {
			return nil, wrapRPC(key.Path, err)
		}
		var out O
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, &Error{Code: CodeParse, Path: key.Path, Message: "decode output", Err: err}
		}
		return out, nil
	}, FetchOptions{Refresh: cfg.refresh, StaleFor: cfg.staleFor})
	if err != nil {
		return zero, err
	}
	return assertValue[O](c, key, v)
}

// QueryCached reads the entry for path+input without fetching.
func QueryCached[I, O any](c *Client, p Procedure[I, O], in I) (O, bool) {
	var zero O
	key, err := Derive(p.path, in, KindQuery)
	if err != nil {
		return zero, false
	}
	ev, ok := c.store.Get(key)
	if !ok || ev.Status != StatusSuccess || ev.Value == nil {
		return zero, false
	}
	out, err := assertValue[O](c, key, ev.Value)
	if err != nil {
		return zero, false
	}
	return out, true
}

// assertValue converts a stored value into O. Values restored from a snapshot
// come back as raw JSON; the decoded form is written back so later reads
// assert directly.
func assertValue[O any](c *Client, key Key, v any) (O, error) {
	var zero O
	if out, ok := v.(O); ok {
		return out, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		var out O
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, &Error{Code: CodeParse, Path: key.Path, Message: "decode cached value", Err: err}
		}
		c.store.Set(key, out)
		return out, nil
	}
	return zero, &Error{Code: CodeInternal, Path: key.Path, Message: fmt.Sprintf("cached value is %T", v)}
}
