// Package router implements the Message Router (spec §4.5): a
// command-to-handler dispatch table with sequence correlation for
// RPC-style responses.
package router

import (
	"sync"

	"imsdk/internal/codec"
)

// Handler processes one decoded frame body.
type Handler func(frame codec.Frame)

// Router maintains a map from command to handler and a pending-request
// table for sequence-correlated responses. On each delivered frame it
// first attempts sequence correlation, then falls back to the
// command-based handler (spec §4.5).
type Router struct {
	mu       sync.Mutex
	handlers map[codec.Command]Handler
	pending  map[uint32]Handler
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		handlers: make(map[codec.Command]Handler),
		pending:  make(map[uint32]Handler),
	}
}

// Register installs (or replaces) the handler for command.
func (r *Router) Register(command codec.Command, h Handler) {
	r.mu.Lock()
	r.handlers[command] = h
	r.mu.Unlock()
}

// AwaitSequence registers a one-shot handler for the response correlated
// to sequence. It is consumed (removed) the first time a frame with that
// sequence arrives, whether or not the command matches what the caller
// expected — callers are expected to check frame.Command themselves.
func (r *Router) AwaitSequence(sequence uint32, h Handler) {
	r.mu.Lock()
	r.pending[sequence] = h
	r.mu.Unlock()
}

// CancelSequence removes a pending sequence-correlated handler without
// invoking it, e.g. when a caller times out waiting for a reply.
func (r *Router) CancelSequence(sequence uint32) {
	r.mu.Lock()
	delete(r.pending, sequence)
	r.mu.Unlock()
}

// Dispatch routes frame to its handler: sequence correlation first, then
// the command-keyed handler. Frames matching neither are silently dropped,
// mirroring unknown-command tolerance in long-lived wire protocols.
func (r *Router) Dispatch(frame codec.Frame) {
	r.mu.Lock()
	if h, ok := r.pending[frame.Sequence]; ok {
		delete(r.pending, frame.Sequence)
		r.mu.Unlock()
		h(frame)
		return
	}
	h, ok := r.handlers[frame.Command]
	r.mu.Unlock()
	if ok {
		h(frame)
	}
}
