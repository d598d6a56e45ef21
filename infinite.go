package rpcq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/unkn0wn-root/rpcq/internal/canon"
)

// NextPageFunc derives the cursor for the page after last. Returning nil
// means the sequence is exhausted.
type NextPageFunc[O any] func(last O) json.RawMessage

// Infinite is a handle on a paginated query. All fetched pages aggregate
// under one KindInfinite entry keyed by the base input; the page cursor is
// merged into the input per request, never into the key.
type Infinite[I, O any] struct {
	c    *Client
	key  Key
	next NextPageFunc[O]
}

// InfiniteQuery binds a paginated query. next derives each following page
// cursor from the last fetched page; nil next means the query has one page.
func InfiniteQuery[I, O any](c *Client, p Procedure[I, O], in I, next NextPageFunc[O]) (*Infinite[I, O], error) {
	key, err := Derive(p.path, in, KindInfinite)
	if err != nil {
		return nil, err
	}
	return &Infinite[I, O]{c: c, key: key, next: next}, nil
}

// FetchNext fetches the next unfetched page and returns all pages so far,
// oldest first. Once next reports no further cursor, FetchNext returns the
// current pages without a round trip.
func (q *Infinite[I, O]) FetchNext(ctx context.Context) ([]O, error) {
	pages, err := q.typedPages()
	if err != nil {
		return nil, err
	}

	var param json.RawMessage
	if len(pages) > 0 {
		if q.next == nil {
			return pages, nil
		}
		if param = q.next(pages[len(pages)-1]); param == nil {
			return pages, nil
		}
	}

	pv, err := q.c.store.FetchPage(ctx, q.key, q.fetchPage, PageOptions{Param: param})
	if err != nil {
		return nil, err
	}
	return q.decodePages(pv)
}

// Refetch drops the fetched pages and loads the first page again. Following
// cursors are derived from the fresh data, so FetchNext continues from there.
func (q *Infinite[I, O]) Refetch(ctx context.Context) ([]O, error) {
	pv, err := q.c.store.FetchPage(ctx, q.key, q.fetchPage, PageOptions{Reset: true})
	if err != nil {
		return nil, err
	}
	return q.decodePages(pv)
}

// Pages returns the pages fetched so far without a round trip.
func (q *Infinite[I, O]) Pages() []O {
	pages, err := q.typedPages()
	if err != nil {
		return nil
	}
	return pages
}

// HasNext reports whether next derives a cursor from the last fetched page.
// Before the first fetch it is true: the first page is always fetchable.
func (q *Infinite[I, O]) HasNext() bool {
	pages, err := q.typedPages()
	if err != nil {
		return false
	}
	if len(pages) == 0 {
		return true
	}
	return q.next != nil && q.next(pages[len(pages)-1]) != nil
}

// fetchPage merges the page cursor into the base input under the reserved
// "cursor" field and resolves one page through the caller.
func (q *Infinite[I, O]) fetchPage(ctx context.Context, param json.RawMessage) (any, error) {
	merged, err := canon.MergeCursor(q.key.Input, param)
	if err != nil {
		return nil, &Error{Code: CodeBadRequest, Path: q.key.Path, Message: "merge page cursor", Err: err}
	}
	raw, err := q.c.caller.Query(ctx, q.key.Path, merged)
	if err != nil {
		return nil, wrapRPC(q.key.Path, err)
	}
	var page O
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, &Error{Code: CodeParse, Path: q.key.Path, Message: "decode page", Err: err}
	}
	return page, nil
}

func (q *Infinite[I, O]) typedPages() ([]O, error) {
	ev, ok := q.c.store.Get(q.key)
	if !ok || ev.Value == nil {
		return nil, nil
	}
	pv, ok := ev.Value.(Pages)
	if !ok {
		return nil, &Error{Code: CodeInternal, Path: q.key.Path, Message: fmt.Sprintf("cached value is %T", ev.Value)}
	}
	return q.decodePages(pv)
}

// decodePages converts stored page items into O. Pages restored from a
// snapshot arrive as raw JSON; the typed pages are written back so later
// reads assert directly.
func (q *Infinite[I, O]) decodePages(pv Pages) ([]O, error) {
	out := make([]O, 0, len(pv.Items))
	decoded := false
	for _, item := range pv.Items {
		if page, ok := item.(O); ok {
			out = append(out, page)
			continue
		}
		raw, ok := item.(json.RawMessage)
		if !ok {
			return nil, &Error{Code: CodeInternal, Path: q.key.Path, Message: fmt.Sprintf("cached page is %T", item)}
		}
		var page O
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, &Error{Code: CodeParse, Path: q.key.Path, Message: "decode cached page", Err: err}
		}
		out = append(out, page)
		decoded = true
	}
	if decoded {
		memo := Pages{Items: make([]any, len(out)), Params: pv.Params}
		for i, page := range out {
			memo.Items[i] = page
		}
		q.c.store.Set(q.key, memo)
	}
	return out, nil
}
