package rpcq

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var liveMsgs = NewProcedure[map[string]any, string]("msgs.list")

func newLiveClient(t *testing.T, caller Caller) (*Client, *fakeStore, *hookRec) {
	t.Helper()
	st := newFakeStore()
	rec := &hookRec{}
	c, err := New(Options{Caller: caller, Store: st, Hooks: rec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, st, rec
}

func waitState[I, O any](t *testing.T, l *Live[I, O], want LiveState) {
	t.Helper()
	waitFor(t, time.Second, func() bool { return l.State() == want })
}

// scriptedBatches replies to poll i with replies[i], repeating the last reply
// once the script runs out.
func scriptedBatches(replies ...Batch) func(context.Context, string, json.RawMessage) (Batch, error) {
	var n atomic.Int32
	return func(context.Context, string, json.RawMessage) (Batch, error) {
		i := int(n.Add(1)) - 1
		if i >= len(replies) {
			i = len(replies) - 1
		}
		return replies[i], nil
	}
}

// TestLiveFollowsCursorChain drives the canonical sequence: three polls
// return cursors 1, 2, 2 - the loop advances twice, then parks on the repeat.
func TestLiveFollowsCursorChain(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{subFn: scriptedBatches(
		batchWith(`1`, `"x"`),
		batchWith(`2`, `"y"`),
		batchWith(`2`, `"y"`),
	)}
	c, _, rec := newLiveClient(t, caller)

	l, err := LiveQuery(ctx, c, liveMsgs, map[string]any{"room": "a"})
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	waitState(t, l, LiveStalled)

	if got := caller.callCount(); got != 3 {
		t.Fatalf("expected exactly 3 polls, got %d", got)
	}
	wantInputs := []string{
		`{"cursor":null,"room":"a"}`,
		`{"cursor":1,"room":"a"}`,
		`{"cursor":2,"room":"a"}`,
	}
	for i, want := range wantInputs {
		if got := string(caller.call(i).input); got != want {
			t.Fatalf("poll %d input = %s, want %s", i, got, want)
		}
	}

	if data, ok := l.Data(); !ok || data != "y" {
		t.Fatalf("Data = %q ok=%v", data, ok)
	}
	if err := l.Err(); err != nil {
		t.Fatalf("healthy stall carries an error: %v", err)
	}
	if got := rec.stallReasons(); len(got) != 1 || got[0] != "cursor_repeat" {
		t.Fatalf("stall reasons = %v", got)
	}

	// a coalesced update signal is pending after the stall
	select {
	case <-l.Updates():
	default:
		t.Fatalf("no update signal after stall")
	}

	// Refetch wakes the loop for one more poll; the cursor still repeats
	l.Refetch()
	waitFor(t, time.Second, func() bool { return caller.callCount() == 4 })
	waitState(t, l, LiveStalled)
	if got := rec.stallReasons(); len(got) != 2 {
		t.Fatalf("stall reasons after refetch = %v", got)
	}

	l.Stop()
	<-l.Done()
	if l.State() != LiveStopped {
		t.Fatalf("state after Stop = %s", l.State())
	}
}

func TestLiveEmptyBatchStalls(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{subFn: scriptedBatches(Batch{})}
	c, _, rec := newLiveClient(t, caller)

	l, err := LiveQuery(ctx, c, liveMsgs, nil)
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	waitState(t, l, LiveStalled)
	if got := rec.stallReasons(); len(got) != 1 || got[0] != "empty_batch" {
		t.Fatalf("stall reasons = %v", got)
	}
	if _, ok := l.Data(); ok {
		t.Fatalf("empty batch produced data")
	}
	if caller.callCount() != 1 {
		t.Fatalf("expected 1 poll, got %d", caller.callCount())
	}
}

func TestLiveErrorStallsAndRecovers(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	var n atomic.Int32
	caller := &fakeCaller{subFn: func(context.Context, string, json.RawMessage) (Batch, error) {
		if n.Add(1) == 1 {
			return Batch{}, boom
		}
		return batchWith(`1`, `"z"`), nil
	}}
	c, _, rec := newLiveClient(t, caller)

	l, err := LiveQuery(ctx, c, liveMsgs, nil)
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	waitState(t, l, LiveStalled)
	if lerr := l.Err(); lerr == nil || !errors.Is(lerr, boom) {
		t.Fatalf("Err after failed poll = %v", lerr)
	}
	if got := rec.stallReasons(); len(got) != 1 || got[0] != "error" {
		t.Fatalf("stall reasons = %v", got)
	}

	// wake it: the next poll succeeds, advances, then parks on the repeat
	l.Refetch()
	waitFor(t, time.Second, func() bool { return len(rec.stallReasons()) == 2 })
	if got := rec.stallReasons(); got[1] != "cursor_repeat" {
		t.Fatalf("stall reasons = %v", got)
	}
	if lerr := l.Err(); lerr != nil {
		t.Fatalf("recovered loop still carries error: %v", lerr)
	}
	if data, ok := l.Data(); !ok || data != "z" {
		t.Fatalf("Data after recovery = %q ok=%v", data, ok)
	}
}

func TestLiveStopCancelsInflightPoll(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	caller := &fakeCaller{subFn: func(sctx context.Context, _ string, _ json.RawMessage) (Batch, error) {
		close(entered)
		<-sctx.Done()
		return Batch{}, sctx.Err()
	}}
	c, _, rec := newLiveClient(t, caller)

	l, err := LiveQuery(ctx, c, liveMsgs, nil)
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	<-entered
	l.Stop()
	<-l.Done()

	if l.State() != LiveStopped {
		t.Fatalf("state = %s", l.State())
	}
	if got := rec.stallReasons(); len(got) != 0 {
		t.Fatalf("cancelled poll reported a stall: %v", got)
	}
	l.Stop() // idempotent
}

// TestLiveResumesFromHydratedBatch: with a raw batch already in the store the
// first poll carries its last cursor, and Data serves the hydrated payload
// before any poll resolves.
func TestLiveResumesFromHydratedBatch(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	caller := &fakeCaller{subFn: func(context.Context, string, json.RawMessage) (Batch, error) {
		<-release
		return batchWith(`6`, `"m6"`), nil
	}}
	c, st, _ := newLiveClient(t, caller)

	key, _ := Derive("msgs.list", map[string]any{"room": "a"}, KindLive)
	st.Set(key, json.RawMessage(`{"items":[{"cursor":5,"data":"m5"}]}`))

	l, err := LiveQuery(ctx, c, liveMsgs, map[string]any{"room": "a"})
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	if data, ok := l.Data(); !ok || data != "m5" {
		t.Fatalf("hydrated Data = %q ok=%v", data, ok)
	}

	close(release)
	waitState(t, l, LiveStalled)
	if got := string(caller.call(0).input); got != `{"cursor":5,"room":"a"}` {
		t.Fatalf("resume poll input = %s", got)
	}
	if data, ok := l.Data(); !ok || data != "m6" {
		t.Fatalf("Data after resume = %q ok=%v", data, ok)
	}
}

func TestLiveResumeFromOption(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{subFn: scriptedBatches(batchWith(`9`, `"x"`))}
	c, _, _ := newLiveClient(t, caller)

	l, err := LiveQuery(ctx, c, liveMsgs, nil, ResumeFrom(json.RawMessage(` 9 `)))
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	waitState(t, l, LiveStalled)
	if got := string(caller.call(0).input); got != `{"cursor":9}` {
		t.Fatalf("first poll input = %s", got)
	}
	if caller.callCount() != 1 {
		t.Fatalf("expected 1 poll, got %d", caller.callCount())
	}
}

// A non-object input cannot carry the cursor member; the loop surfaces that
// as an error stall without ever polling.
func TestLiveRejectsNonObjectInput(t *testing.T) {
	ctx := context.Background()
	caller := &fakeCaller{}
	c, _, rec := newLiveClient(t, caller)

	scalar := NewProcedure[int, string]("msgs.byNumber")
	l, err := LiveQuery(ctx, c, scalar, 5)
	if err != nil {
		t.Fatalf("LiveQuery: %v", err)
	}
	defer l.Stop()

	waitState(t, l, LiveStalled)
	mustErrCode(t, l.Err(), CodeBadRequest)
	if got := rec.stallReasons(); len(got) != 1 || got[0] != "error" {
		t.Fatalf("stall reasons = %v", got)
	}
	if caller.callCount() != 0 {
		t.Fatalf("merge failure still polled upstream")
	}
}
