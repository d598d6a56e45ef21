package rpcq

import (
	"context"
	"fmt"
)

// Options configure a Client.
// Caller and Store are required; others have sensible defaults.
type Options struct {
	Caller Caller
	Store  Store

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used
}

// Client wires a Caller to a Store. It is cheap to share; all methods and the
// binder functions are safe for concurrent use.
type Client struct {
	caller Caller
	store  Store
	log    Logger
	hooks  Hooks
}

func New(opts Options) (*Client, error) {
	if opts.Caller == nil {
		return nil, fmt.Errorf("rpcq: caller is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("rpcq: store is required")
	}
	c := &Client{
		caller: opts.Caller,
		store:  opts.Store,
	}
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	return c, nil
}

// Store exposes the underlying store for direct cache work
// (Invalidate, Watch, Hydrate).
func (c *Client) Store() Store { return c.store }

// Caller exposes the underlying RPC client.
func (c *Client) Caller() Caller { return c.caller }

// Close closes the underlying store.
func (c *Client) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}
