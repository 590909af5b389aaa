// Package transport implements the WebSocket and TCP carriers the
// Connection Supervisor dials (spec §4.3). Both variants satisfy the same
// Transport interface and deliver exactly one logical message per
// frame-callback invocation (see SetOnFrame): a decoded WebSocket message,
// or a complete frame reassembled by the TCP packet codec.
package transport

import (
	"context"

	"imsdk/internal/codec"
)

// State is the transport's own connectivity state, distinct from (and
// owned independently of) the Connection Supervisor's higher-level state
// machine, which layers authentication and reconnect policy on top.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// DisconnectReason classifies why a transport moved to Disconnected, so
// the supervisor can tell an orderly remote close apart from an I/O error.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonError
	ReasonLocalClose
)

// Transport is the capability set every carrier variant implements: dial,
// close, non-blocking send submission, a state snapshot, and four
// callbacks (decoded frame, TCP gap signal, state change, error). Callers must register
// callbacks via the Set* methods before calling Connect; the transport
// does not buffer deliveries made before a callback is registered.
type Transport interface {
	// Connect dials addr and blocks until the connection is usable or ctx
	// is done / the dial fails. The credential is transport-specific
	// (e.g. a bearer header for WebSocket); empty if unused.
	Connect(ctx context.Context, addr string, credential string) error
	// Disconnect closes the connection. Safe to call when already
	// disconnected.
	Disconnect()
	// Send encodes (command, sequence, body) per the transport's own wire
	// format and submits it to the outbound queue. It returns an error
	// only for synchronous submission failures (e.g. already
	// disconnected); successful submission does not imply delivery — only
	// a later ACK frame does.
	Send(command codec.Command, sequence uint32, body []byte) error
	// State returns the current connectivity state.
	State() State

	// SetOnFrame registers the callback invoked once per fully decoded
	// frame: a WebSocket message body, or a TCP-codec-reassembled frame.
	SetOnFrame(fn func(frame codec.Frame))
	// SetOnGap registers the callback for TCP packet-loss signals (spec
	// §4.1); WebSocketTransport never calls it.
	SetOnGap(fn func(gap codec.GapSignal))
	SetOnStateChange(fn func(state State, reason DisconnectReason))
	SetOnError(fn func(err error))
}

// callbacks is embedded by both transport variants to share the
// lock-guarded callback-registration pattern.
type callbacks struct {
	onFrame       func(frame codec.Frame)
	onGap         func(gap codec.GapSignal)
	onStateChange func(state State, reason DisconnectReason)
	onError       func(err error)
}
