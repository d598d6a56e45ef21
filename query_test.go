package rpcq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type testUser struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var userByID = NewProcedure[map[string]any, testUser]("user.byId")

func TestQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{
		queryFn: func(path string, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"id":7,"name":"Ada"}`), nil
		},
	}
	c, st := newTestClient(t, caller)

	u, err := Query(ctx, c, userByID, map[string]any{"id": 7})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if u.ID != 7 || u.Name != "Ada" {
		t.Fatalf("unexpected output: %+v", u)
	}

	// the wire input is the canonical form
	if rec := caller.call(0); rec.verb != "query" || rec.path != "user.byId" || string(rec.input) != `{"id":7}` {
		t.Fatalf("unexpected call: %+v", rec)
	}

	// resolved entries satisfy later reads without a round trip
	again, err := Query(ctx, c, userByID, map[string]any{"id": 7})
	if err != nil || again != u {
		t.Fatalf("cached Query: %+v err=%v", again, err)
	}
	if caller.callCount() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", caller.callCount())
	}
	if st.fetchCount() != 1 {
		t.Fatalf("expected 1 store fetch, got %d", st.fetchCount())
	}
}

func TestQueryRefreshForcesRoundTrip(t *testing.T) {
	ctx := context.Background()
	n := 0
	caller := &fakeCaller{
		queryFn: func(string, json.RawMessage) (json.RawMessage, error) {
			n++
			return json.Marshal(testUser{ID: n})
		},
	}
	c, _ := newTestClient(t, caller)

	if _, err := Query(ctx, c, userByID, nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	u, err := Query(ctx, c, userByID, nil, Refresh())
	if err != nil {
		t.Fatalf("Query refresh: %v", err)
	}
	if u.ID != 2 || caller.callCount() != 2 {
		t.Fatalf("refresh did not round trip: %+v calls=%d", u, caller.callCount())
	}
}

func TestQueryErrorPaths(t *testing.T) {
	ctx := context.Background()

	t.Run("undecodable output is a parse error", func(t *testing.T) {
		caller := &fakeCaller{
			queryFn: func(string, json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"id":"seven"}`), nil
			},
		}
		c, _ := newTestClient(t, caller)
		_, err := Query(ctx, c, userByID, nil)
		mustErrCode(t, err, CodeParse)
	})

	t.Run("plain caller error is wrapped with a code", func(t *testing.T) {
		boom := errors.New("connection refused")
		caller := &fakeCaller{
			queryFn: func(string, json.RawMessage) (json.RawMessage, error) {
				return nil, boom
			},
		}
		c, _ := newTestClient(t, caller)
		_, err := Query(ctx, c, userByID, nil)
		mustErrCode(t, err, CodeInternal)
		if !errors.Is(err, boom) {
			t.Fatalf("wrapped error lost its cause: %v", err)
		}
	})

	t.Run("coded caller error passes through", func(t *testing.T) {
		caller := &fakeCaller{
			queryFn: func(path string, _ json.RawMessage) (json.RawMessage, error) {
				return nil, &Error{Code: CodeNotFound, Path: path, Message: "no such user"}
			},
		}
		c, _ := newTestClient(t, caller)
		_, err := Query(ctx, c, userByID, nil)
		mustErrCode(t, err, CodeNotFound)
	})
}

// TestQueryDecodesHydratedEntryWithoutRPC: a raw JSON value placed in the
// store (as hydration does) resolves typed with zero upstream calls, and the
// decoded form is memoized back into the store.
func TestQueryDecodesHydratedEntryWithoutRPC(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{} // any call fails the test
	c, st := newTestClient(t, caller)

	key, err := Derive("user.byId", map[string]any{"id": 7}, KindQuery)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	st.Set(key, json.RawMessage(`{"id":7,"name":"Ada"}`))

	u, err := Query(ctx, c, userByID, map[string]any{"id": 7})
	if err != nil || u.Name != "Ada" {
		t.Fatalf("Query over hydrated entry: %+v err=%v", u, err)
	}
	if caller.callCount() != 0 {
		t.Fatalf("hydrated read went upstream %d times", caller.callCount())
	}
	if _, ok := st.valueOf(key).(testUser); !ok {
		t.Fatalf("decoded value not memoized, store holds %T", st.valueOf(key))
	}
}

func TestQueryCached(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{
		queryFn: func(string, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"id":1,"name":"Ada"}`), nil
		},
	}
	c, _ := newTestClient(t, caller)

	if _, ok := QueryCached(c, userByID, nil); ok {
		t.Fatalf("expected miss before any fetch")
	}
	if _, err := Query(ctx, c, userByID, nil); err != nil {
		t.Fatalf("Query: %v", err)
	}
	u, ok := QueryCached(c, userByID, nil)
	if !ok || u.Name != "Ada" {
		t.Fatalf("QueryCached after fetch: %+v ok=%v", u, ok)
	}
	if caller.callCount() != 1 {
		t.Fatalf("QueryCached must not round trip")
	}
}

func TestNoneMarshalsAsNull(t *testing.T) {
	b, err := json.Marshal(None{})
	if err != nil || string(b) != "null" {
		t.Fatalf("None marshal: %s %v", b, err)
	}
}
