package rpcq

import (
	"context"
	"errors"
	"sync"

	"github.com/unkn0wn-root/rpcq/internal/canon"
)

// SubscriptionHandlers receive the outcome of a one-shot long-poll. At most
// one of the two fires, and neither fires once Stop wins the race against the
// resolution.
type SubscriptionHandlers struct {
	OnBatch func(Batch)
	OnError func(error)
}

// Subscription is one in-flight long-poll.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	stopped bool
}

// SubscribeOnce issues a single cancellable long-poll for path+input and
// delivers its outcome to h. The subscription does not touch the store; it is
// the raw building block the live loop is built from.
//
// Stop (and cancelling ctx) abandons the poll: a response that loses the race
// is dropped silently, never delivered. Re-subscribing under a new input is
// stop old, start new.
func SubscribeOnce[I, O any](ctx context.Context, c *Client, p Procedure[I, O], in I, h SubscriptionHandlers) (*Subscription, error) {
	body, err := canon.Encode(in)
	if err != nil {
		return nil, &Error{Code: CodeParse, Path: p.path, Message: "encode input", Err: err}
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer cancel()
		b, err := c.caller.SubscribeOnce(sctx, p.path, body)

		// The gate: a poll that resolves after Stop must leave no trace.
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.stopped = true
		s.mu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) && sctx.Err() != nil {
				return // abandoned via ctx, same as Stop
			}
			if h.OnError != nil {
				h.OnError(wrapRPC(p.path, err))
			}
			return
		}
		if h.OnBatch != nil {
			h.OnBatch(b)
		}
	}()

	return s, nil
}

// Stop abandons the poll. Safe to call repeatedly and after delivery.
func (s *Subscription) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
}

// Done closes once the poll has been delivered or dropped.
func (s *Subscription) Done() <-chan struct{} { return s.done }
