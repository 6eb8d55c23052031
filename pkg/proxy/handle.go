package proxy

import (
	"sync"

	"github.com/google/uuid"
)

// HandleState is the per-handle lifecycle described in spec §4.2.
type HandleState string

const (
	StateOpening HandleState = "opening"
	StateOpen    HandleState = "open"
	StateClosing HandleState = "closing"
	StateLost    HandleState = "lost"
)

// Handle is one open VFS handle: an owner token bound to a path and lock
// mode, tracked so the heartbeat task can keep its lease alive and so a
// metadata op against the same path can reuse the owner token instead of
// minting a new one (spec §4.2, §9 "re-entrant ownership without duck
// typing").
type Handle struct {
	mu sync.Mutex

	Owner string
	Path  string
	Mode  string // "read" or "write"
	State HandleState

	// lostReason records why State became StateLost, for surfacing a
	// distinguishable I/O error on every subsequent operation.
	lostReason *IOError
}

func newOwnerToken() string {
	return uuid.NewString()
}

func (h *Handle) setState(s HandleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.State = s
}

func (h *Handle) markLost(reason *IOError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.State = StateLost
	h.lostReason = reason
}

// CheckLive returns the handle's lost-reason error if the heartbeat task has
// marked it lost, or nil if it is still live. Callers (the FUSE file handle)
// check this before every read/write so a reclaimed lock surfaces as an I/O
// error rather than silently serving stale access.
func (h *Handle) CheckLive() error {
	return h.checkLive()
}

func (h *Handle) checkLive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.State == StateLost {
		if h.lostReason != nil {
			return h.lostReason
		}
		return newIOError("not_held", h.Path, nil)
	}
	return nil
}

// handleRegistry tracks every open handle, keyed by path, so metadata
// operations on an already-open path can find and reuse its owner token.
// Only one handle is tracked per path (open(write) is exclusive by
// construction; concurrent opens for read against the same path reuse the
// first reader's owner, which is harmless since the broker treats
// re-acquires from the same owner as re-entrant holds of the same mode).
type handleRegistry struct {
	mu      sync.Mutex
	byPath  map[string]*Handle
}

func newHandleRegistry() *handleRegistry {
	return &handleRegistry{byPath: make(map[string]*Handle)}
}

func (r *handleRegistry) register(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPath[h.Path] = h
}

func (r *handleRegistry) unregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byPath[h.Path]; ok && cur == h {
		delete(r.byPath, h.Path)
	}
}

// ownerFor returns the owner token of an already-open handle on path, or
// mints a fresh ephemeral one for a standalone metadata op with no open
// handle.
func (r *handleRegistry) ownerFor(path string) string {
	r.mu.Lock()
	h, ok := r.byPath[path]
	r.mu.Unlock()
	if ok {
		return h.Owner
	}
	return newOwnerToken()
}

// snapshot returns every currently tracked handle, for the heartbeat task.
func (r *handleRegistry) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.byPath))
	for _, h := range r.byPath {
		out = append(out, h)
	}
	return out
}
