package rpcq

import (
	"context"
	"encoding/json"
)

// Caller is the RPC client contract the binders run on. Implementations own
// transport and serialization; inputs and outputs cross this boundary as raw
// JSON. Must be safe for concurrent use.
//
// All failures should surface as *Error so callers can branch on the code;
// anything else is wrapped as CodeInternal on the way out of the binders.
type Caller interface {
	// Query invokes a read procedure.
	Query(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error)

	// Mutate invokes a write procedure.
	Mutate(ctx context.Context, path string, input json.RawMessage) (json.RawMessage, error)

	// SubscribeOnce issues a single long-poll against a subscription
	// procedure: it blocks until the server responds with a batch or ctx is
	// cancelled. Cancelling ctx is the only way to abandon the poll early.
	SubscribeOnce(ctx context.Context, path string, input json.RawMessage) (Batch, error)
}

// Batch is one long-poll response: items in arrival order, each carrying a
// data payload and the opaque cursor to resume after it. The last item's
// cursor is the resume point.
type Batch struct {
	Items []BatchItem `json:"items"`
}

// BatchItem pairs a payload with the cursor that follows it. A nil cursor
// reads as JSON null; cursor equality is canonical-JSON byte equality.
type BatchItem struct {
	Cursor json.RawMessage `json:"cursor"`
	Data   json.RawMessage `json:"data"`
}

// Last returns the final item of the batch, false when the batch is empty.
func (b Batch) Last() (BatchItem, bool) {
	if len(b.Items) == 0 {
		return BatchItem{}, false
	}
	return b.Items[len(b.Items)-1], true
}
