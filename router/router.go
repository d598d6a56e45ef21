// Package router is an in-process procedure table implementing rpcq.Caller.
//
// Handlers register under distinct query, mutation and subscription
// namespaces, so one path may carry a query and a mutation without clashing.
// Registration panics on a duplicate path, mirroring http.ServeMux. The
// Caller view decodes inputs, encodes outputs and normalizes handler
// failures into *rpcq.Error, so a client bound to it behaves like one
// talking to a remote server.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/unkn0wn-root/rpcq"
)

type QueryFunc[I, O any] func(ctx context.Context, in I) (O, error)

type MutationFunc[I, O any] func(ctx context.Context, in I) (O, error)

// SubscriptionFunc resolves one long-poll round. cursor is the reserved
// "cursor" member of the request input: nil on a first poll, otherwise the
// cursor of the last delivered batch item.
type SubscriptionFunc[I any] func(ctx context.Context, in I, cursor json.RawMessage) (rpcq.Batch, error)

type rawHandler func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

type batchHandler func(ctx context.Context, input json.RawMessage) (rpcq.Batch, error)

type Router struct {
	mu        sync.RWMutex
	queries   map[string]rawHandler
	mutations map[string]rawHandler
	subs      map[string]batchHandler
}

func New() *Router {
	return &Router{
		queries:   make(map[string]rawHandler),
		mutations: make(map[string]rawHandler),
		subs:      make(map[string]batchHandler),
	}
}

// HandleQuery registers fn under path in the query namespace.
// A free function because methods cannot introduce type parameters.
func HandleQuery[I, O any](r *Router, path string, fn QueryFunc[I, O]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.queries[path]; dup {
		panic("router: multiple registrations for query " + path)
	}
	r.queries[path] = func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		in, err := decodeInput[I](path, input)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, wrapHandler(path, err)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, &rpcq.Error{Code: rpcq.CodeInternal, Path: path, Message: "encode output", Err: err}
		}
		return b, nil
	}
}

// HandleMutation registers fn under path in the mutation namespace.
func HandleMutation[I, O any](r *Router, path string, fn MutationFunc[I, O]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.mutations[path]; dup {
		panic("router: multiple registrations for mutation " + path)
	}
	r.mutations[path] = func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		in, err := decodeInput[I](path, input)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, wrapHandler(path, err)
		}
		b, err := json.Marshal(out)
		if err != nil {
			return nil, &rpcq.Error{Code: rpcq.CodeInternal, Path: path, Message: "encode output", Err: err}
		}
		return b, nil
	}
}

// HandleSubscription registers fn under path in the subscription namespace.
// The reserved "cursor" member is split off the input before fn sees it.
func HandleSubscription[I any](r *Router, path string, fn SubscriptionFunc[I]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.subs[path]; dup {
		panic("router: multiple registrations for subscription " + path)
	}
	r.subs[path] = func(ctx context.Context, input json.RawMessage) (rpcq.Batch, error) {
		in, err := decodeInput[I](path, input)
		if err != nil {
			return rpcq.Batch{}, err
		}
		b, err := fn(ctx, in, extractCursor(input))
		if err != nil {
			return rpcq.Batch{}, wrapHandler(path, err)
		}
		return b, nil
	}
}

// Caller returns the rpcq.Caller view of the table.
func (r *Router) Caller() rpcq.Caller { return directCaller{r} }

type directCaller struct{ r *Router }

var _ rpcq.Caller = directCaller{}

func (c directCaller) Query(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	c.r.mu.RLock()
	h, ok := c.r.queries[path]
	c.r.mu.RUnlock()
	if !ok {
		return nil, &rpcq.Error{Code: rpcq.CodeNotFound, Path: path, Message: "no query handler"}
	}
	return h(ctx, input)
}

func (c directCaller) Mutate(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error) {
	c.r.mu.RLock()
	h, ok := c.r.mutations[path]
	c.r.mu.RUnlock()
	if !ok {
		return nil, &rpcq.Error{Code: rpcq.CodeNotFound, Path: path, Message: "no mutation handler"}
	}
	return h(ctx, input)
}

func (c directCaller) SubscribeOnce(ctx context.Context, path string, input json.RawMessage) (rpcq.Batch, error) {
	c.r.mu.RLock()
	h, ok := c.r.subs[path]
	c.r.mu.RUnlock()
	if !ok {
		return rpcq.Batch{}, &rpcq.Error{Code: rpcq.CodeNotFound, Path: path, Message: "no subscription handler"}
	}
	return h(ctx, input)
}

func decodeInput[I any](path string, input json.RawMessage) (I, error) {
	var in I
	if len(input) == 0 || bytes.Equal(input, []byte("null")) {
		return in, nil
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return in, &rpcq.Error{Code: rpcq.CodeBadRequest, Path: path, Message: "decode input", Err: err}
	}
	return in, nil
}

// extractCursor reads the reserved "cursor" member. An explicit null and an
// absent member both come back nil, so handlers see one "from the start"
// shape.
func extractCursor(input json.RawMessage) json.RawMessage {
	var probe struct {
		Cursor json.RawMessage `json:"cursor"`
	}
	if err := json.Unmarshal(input, &probe); err != nil {
		return nil
	}
	if bytes.Equal(probe.Cursor, []byte("null")) {
		return nil
	}
	return probe.Cursor
}

func wrapHandler(path string, err error) error {
	var e *rpcq.Error
	if errors.As(err, &e) {
		return err
	}
	return &rpcq.Error{Code: rpcq.ErrorCode(err), Path: path, Err: err}
}
