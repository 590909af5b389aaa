package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imsdk/internal/codec"
)

// outboundQueueSize bounds the non-blocking send queue; a caller that
// floods past this while disconnected gets an immediate error rather than
// unbounded memory growth.
const outboundQueueSize = 256

// WebSocketTransport carries frames over a gorilla/websocket connection.
// Each WriteMessage/ReadMessage call transports exactly one logical
// message, so DecodeWS never needs Feed-style reassembly.
type WebSocketTransport struct {
	callbacks
	cbMu sync.RWMutex

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	outbound chan []byte
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport returns a ready-to-use, not-yet-connected transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{state: Disconnected}
}

func (t *WebSocketTransport) SetOnFrame(fn func(codec.Frame)) {
	t.cbMu.Lock()
	t.onFrame = fn
	t.cbMu.Unlock()
}

// SetOnGap is a no-op for WebSocketTransport: gap detection is TCP-only
// (spec §4.1).
func (t *WebSocketTransport) SetOnGap(fn func(codec.GapSignal)) {}

func (t *WebSocketTransport) SetOnStateChange(fn func(State, DisconnectReason)) {
	t.cbMu.Lock()
	t.onStateChange = fn
	t.cbMu.Unlock()
}

func (t *WebSocketTransport) SetOnError(fn func(error)) {
	t.cbMu.Lock()
	t.onError = fn
	t.cbMu.Unlock()
}

func (t *WebSocketTransport) setState(s State, reason DisconnectReason) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.cbMu.RLock()
	cb := t.onStateChange
	t.cbMu.RUnlock()
	if cb != nil {
		cb(s, reason)
	}
}

func (t *WebSocketTransport) fireError(err error) {
	t.cbMu.RLock()
	cb := t.onError
	t.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// dialTimeout bounds the initial handshake; once connected the
// connection-scoped context takes over.
const dialTimeout = 10 * time.Second

// Connect dials addr (a ws:// or wss:// URL) and starts the read/write
// loops. credential, if non-empty, is sent as a Bearer Authorization
// header.
func (t *WebSocketTransport) Connect(ctx context.Context, addr string, credential string) error {
	t.setState(Connecting, ReasonNone)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, addr, header)
	if err != nil {
		t.setState(Disconnected, ReasonError)
		return fmt.Errorf("websocket dial: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = loopCancel
	t.mu.Unlock()

	t.outbound = make(chan []byte, outboundQueueSize)

	t.wg.Add(2)
	go t.readLoop(loopCtx, conn)
	go t.writeLoop(loopCtx, conn)

	t.setState(Connected, ReasonNone)
	return nil
}

func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.fireError(fmt.Errorf("websocket read: %w", err))
			t.teardown(ReasonError)
			return
		}

		frame, _, err := codec.DecodeWS(data)
		if err != nil {
			t.fireError(fmt.Errorf("websocket decode: %w", err))
			continue
		}

		t.cbMu.RLock()
		cb := t.onFrame
		t.cbMu.RUnlock()
		if cb != nil {
			cb(frame)
		}
	}
}

func (t *WebSocketTransport) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-t.outbound:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				t.fireError(fmt.Errorf("websocket write: %w", err))
				t.teardown(ReasonError)
				return
			}
		}
	}
}

// teardown closes the connection and transitions to Disconnected exactly
// once per connection lifetime; subsequent calls (from the symmetric
// read/write loop, or from Disconnect) are no-ops.
func (t *WebSocketTransport) teardown(reason DisconnectReason) {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	already := t.state == Disconnected
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if already {
		return
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	t.setState(Disconnected, reason)
}

// Disconnect closes the connection from the local side.
func (t *WebSocketTransport) Disconnect() {
	t.teardown(ReasonLocalClose)
}

// Send encodes (command, sequence, body) as an 18-byte-header WebSocket
// frame and submits it to the outbound queue without blocking.
func (t *WebSocketTransport) Send(command codec.Command, sequence uint32, body []byte) error {
	t.mu.Lock()
	state := t.state
	out := t.outbound
	t.mu.Unlock()

	if state != Connected || out == nil {
		return fmt.Errorf("websocket transport: not connected")
	}

	payload := codec.EncodeWS(command, sequence, time.Now().UnixMilli(), body)
	select {
	case out <- payload:
		return nil
	default:
		return fmt.Errorf("websocket transport: outbound queue full")
	}
}

func (t *WebSocketTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
