package rpcq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type renameIn struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

var renameUser = NewProcedure[renameIn, testUser]("user.rename")

func TestMutationDo(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{
		mutateFn: func(path string, input json.RawMessage) (json.RawMessage, error) {
			var in renameIn
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, err
			}
			return json.Marshal(testUser{ID: in.ID, Name: in.Name})
		},
	}
	c, _ := newTestClient(t, caller)

	m := NewMutation(c, renameUser)
	if m.State() != MutationIdle {
		t.Fatalf("fresh handle state = %s", m.State())
	}

	out, err := m.Do(ctx, renameIn{ID: 7, Name: "Grace"})
	if err != nil || out.Name != "Grace" {
		t.Fatalf("Do: %+v err=%v", out, err)
	}
	if m.State() != MutationSuccess {
		t.Fatalf("state after success = %s", m.State())
	}
	if got, err := m.Result(); err != nil || got != out {
		t.Fatalf("Result: %+v err=%v", got, err)
	}
	if rec := caller.call(0); rec.verb != "mutate" || rec.path != "user.rename" {
		t.Fatalf("unexpected call: %+v", rec)
	}

	// every Do round trips; mutations are never cached
	if _, err := m.Do(ctx, renameIn{ID: 7, Name: "Grace"}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if caller.callCount() != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", caller.callCount())
	}
}

func TestMutationErrorAndReset(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	caller := &fakeCaller{
		mutateFn: func(string, json.RawMessage) (json.RawMessage, error) {
			return nil, boom
		},
	}
	c, _ := newTestClient(t, caller)
	m := NewMutation(c, renameUser)

	_, err := m.Do(ctx, renameIn{})
	mustErrCode(t, err, CodeInternal)
	if !errors.Is(err, boom) {
		t.Fatalf("wrapped error lost its cause: %v", err)
	}
	if m.State() != MutationError {
		t.Fatalf("state after failure = %s", m.State())
	}
	if _, rerr := m.Result(); !errors.Is(rerr, boom) {
		t.Fatalf("Result error = %v", rerr)
	}

	m.Reset()
	if m.State() != MutationIdle {
		t.Fatalf("state after Reset = %s", m.State())
	}
	if out, rerr := m.Result(); rerr != nil || out != (testUser{}) {
		t.Fatalf("Reset must clear the result, got %+v err=%v", out, rerr)
	}
}

func TestMutationDecodeErrorIsParse(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{
		mutateFn: func(string, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{broken`), nil
		},
	}
	c, _ := newTestClient(t, caller)
	m := NewMutation(c, renameUser)

	_, err := m.Do(ctx, renameIn{})
	mustErrCode(t, err, CodeParse)
	if m.State() != MutationError {
		t.Fatalf("state after parse failure = %s", m.State())
	}
}

// TestMutationInvalidates: a successful mutation marks the configured paths
// stale across every kind; a failed one touches nothing.
func TestMutationInvalidates(t *testing.T) {
	ctx := context.Background()
	fail := false
	caller := &fakeCaller{
		mutateFn: func(string, json.RawMessage) (json.RawMessage, error) {
			if fail {
				return nil, errors.New("boom")
			}
			return json.RawMessage(`{"id":1,"name":"x"}`), nil
		},
	}
	c, st := newTestClient(t, caller)

	userKey, _ := Derive("user.byId", map[string]any{"id": 1}, KindQuery)
	listKey, _ := Derive("user.list", nil, KindInfinite)
	otherKey, _ := Derive("billing.plan", nil, KindQuery)
	st.Set(userKey, testUser{ID: 1})
	st.Set(listKey, Pages{})
	st.Set(otherKey, "untouched")

	m := NewMutation(c, renameUser, Invalidates("user.byId", "user.list"))
	if _, err := m.Do(ctx, renameIn{ID: 1, Name: "x"}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	for _, k := range []Key{userKey, listKey} {
		if ev, ok := st.Get(k); !ok || !ev.Stale {
			t.Fatalf("key %s should be stale after mutation", k.ID())
		}
	}
	if ev, _ := st.Get(otherKey); ev.Stale {
		t.Fatalf("unrelated path invalidated")
	}

	// failed mutation: no further invalidations recorded
	before := len(st.invalidations())
	fail = true
	if _, err := m.Do(ctx, renameIn{}); err == nil {
		t.Fatalf("expected failure")
	}
	if got := len(st.invalidations()); got != before {
		t.Fatalf("failed mutation invalidated paths: %d -> %d", before, got)
	}
}
