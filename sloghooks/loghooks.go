package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/rpcq"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	// TrafficEvery samples the per-call events (hit, miss, started, shared);
	// EvictEvery samples evictions. Errors, stalls and restores always log.
	TrafficEvery uint64
	EvictEvery   uint64
	// Optional entry-ID redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr     atomic.Uint64
	missCtr    atomic.Uint64
	startedCtr atomic.Uint64
	sharedCtr  atomic.Uint64
	evictCtr   atomic.Uint64
}

var _ rpcq.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(id string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(id)
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) FetchStarted(id string) {
	if h.l == nil || !sample(h.opts.TrafficEvery, &h.startedCtr) {
		return
	}
	h.l.Debug("rpcq.fetch_started",
		"key", h.redact(id))
}

func (h *Hooks) FetchShared(id string) {
	if h.l == nil || !sample(h.opts.TrafficEvery, &h.sharedCtr) {
		return
	}
	h.l.Debug("rpcq.fetch_shared",
		"key", h.redact(id))
}

func (h *Hooks) CacheHit(id string) {
	if h.l == nil || !sample(h.opts.TrafficEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("rpcq.cache_hit",
		"key", h.redact(id))
}

func (h *Hooks) CacheMiss(id string) {
	if h.l == nil || !sample(h.opts.TrafficEvery, &h.missCtr) {
		return
	}
	h.l.Debug("rpcq.cache_miss",
		"key", h.redact(id))
}

func (h *Hooks) FetchError(id string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("rpcq.fetch_error",
		"key", h.redact(id),
		"err", err)
}

func (h *Hooks) EntryEvicted(id, reason string) {
	if h.l == nil || !sample(h.opts.EvictEvery, &h.evictCtr) {
		return
	}
	h.l.Debug("rpcq.entry_evicted",
		"key", h.redact(id),
		"reason", reason)
}

func (h *Hooks) SnapshotRestored(id string) {
	if h.l == nil {
		return
	}
	h.l.Debug("rpcq.snapshot_restored",
		"key", h.redact(id))
}

func (h *Hooks) LiveStalled(id, reason string) {
	if h.l == nil {
		return
	}
	h.l.Info("rpcq.live_stalled",
		"key", h.redact(id),
		"reason", reason)
}
