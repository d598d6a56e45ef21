package rpcq

import (
	"context"
	"encoding/json"
	"sync"
)

// MutationState is the handle-local lifecycle of a mutation. Mutations never
// touch the query cache except through Invalidates.
type MutationState string

const (
	MutationIdle    MutationState = "idle"
	MutationPending MutationState = "pending"
	MutationSuccess MutationState = "success"
	MutationError   MutationState = "error"
)

type mutationConfig struct {
	invalidates []string
}

type MutationOption func(*mutationConfig)

// Invalidates marks query paths whose cached entries go stale after a
// successful mutation. Every kind under each path is invalidated.
func Invalidates(paths ...string) MutationOption {
	return func(c *mutationConfig) {
		c.invalidates = append(c.invalidates, paths...)
	}
}

// Mutation is a reusable handle on a write procedure. State reflects the most
// recent Do call.
type Mutation[I, O any] struct {
	c           *Client
	path        string
	invalidates []string

	mu    sync.Mutex
	state MutationState
	out   O
	err   error
}

func NewMutation[I, O any](c *Client, p Procedure[I, O], opts ...MutationOption) *Mutation[I, O] {
	var cfg mutationConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Mutation[I, O]{
		c:           c,
		path:        p.path,
		invalidates: cfg.invalidates,
		state:       MutationIdle,
	}
}

// Do executes the mutation. Each call goes upstream; results are not cached.
// After success the Invalidates paths are marked stale so dependent queries
// refetch on their next read.
func (m *Mutation[I, O]) Do(ctx context.Context, in I) (O, error) {
	var zero O
	m.setPending()

	body, err := json.Marshal(in)
	if err != nil {
		perr := &Error{Code: CodeParse, Path: m.path, Message: "encode input", Err: err}
		m.setError(perr)
		return zero, perr
	}
	raw, err := m.c.caller.Mutate(ctx, m.path, body)
	if err != nil {
		err = wrapRPC(m.path, err)
		m.setError(err)
		return zero, err
	}
	var out O
	if err := json.Unmarshal(raw, &out); err != nil {
		perr := &Error{Code: CodeParse, Path: m.path, Message: "decode output", Err: err}
		m.setError(perr)
		return zero, perr
	}
	m.setSuccess(out)

	for _, p := range m.invalidates {
		m.c.store.InvalidatePath(p)
	}
	return out, nil
}

func (m *Mutation[I, O]) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Result returns the output and error of the most recent completed Do.
func (m *Mutation[I, O]) Result() (O, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out, m.err
}

// Reset returns the handle to idle and clears the last result.
func (m *Mutation[I, O]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero O
	m.state = MutationIdle
	m.out = zero
	m.err = nil
}

func (m *Mutation[I, O]) setPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = MutationPending
	m.err = nil
}

func (m *Mutation[I, O]) setSuccess(out O) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = MutationSuccess
	m.out = out
	m.err = nil
}

func (m *Mutation[I, O]) setError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero O
	m.state = MutationError
	m.out = zero
	m.err = err
}
