package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"imsdk/internal/codec"
)

// readChunkSize is the buffer size for each raw net.Conn.Read call feeding
// the packet codec's reassembly buffer.
const readChunkSize = 64 * 1024

// TCPTransport carries frames over a plain net.Conn using the 16-byte
// length-prefixed binary framing in internal/codec. Unlike WebSocket, a
// single Read can return a partial frame or several frames concatenated,
// so every chunk is fed through a TCPCodec.
type TCPTransport struct {
	callbacks
	cbMu sync.RWMutex

	mu    sync.Mutex
	conn  net.Conn
	state State
	codec *codec.TCPCodec

	outbound chan []byte
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport returns a ready-to-use, not-yet-connected transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{state: Disconnected}
}

func (t *TCPTransport) SetOnFrame(fn func(codec.Frame)) {
	t.cbMu.Lock()
	t.onFrame = fn
	t.cbMu.Unlock()
}

func (t *TCPTransport) SetOnGap(fn func(codec.GapSignal)) {
	t.cbMu.Lock()
	t.onGap = fn
	t.cbMu.Unlock()
}

func (t *TCPTransport) SetOnStateChange(fn func(State, DisconnectReason)) {
	t.cbMu.Lock()
	t.onStateChange = fn
	t.cbMu.Unlock()
}

func (t *TCPTransport) SetOnError(fn func(error)) {
	t.cbMu.Lock()
	t.onError = fn
	t.cbMu.Unlock()
}

func (t *TCPTransport) setState(s State, reason DisconnectReason) {
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

func (t *TCPTransport) fireError(err error) {
	t.cbMu.RLock()
	cb := t.onError
	t.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Connect dials addr ("host:port") over plain TCP and starts the
// read/write loops. credential is unused by TCPTransport: authentication
// happens in-band via auth_req once connected, exactly as WebSocket does,
// so there is no transport-level header to attach it to.
func (t *TCPTransport) Connect(ctx context.Context, addr string, credential string) error {
	t.setState(Connecting, ReasonNone)

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.setState(Disconnected, ReasonError)
		return fmt.Errorf("tcp dial: %w", err)
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.cancel = loopCancel
	t.codec = codec.NewTCPCodec()
	t.mu.Unlock()

	t.outbound = make(chan []byte, outboundQueueSize)

	t.wg.Add(2)
	go t.readLoop(loopCtx, conn)
	go t.writeLoop(loopCtx, conn)

	t.setState(Connected, ReasonNone)
	return nil
}

func (t *TCPTransport) readLoop(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.feed(buf[:n])
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.fireError(fmt.Errorf("tcp read: %w", err))
			t.teardown(ReasonError)
			return
		}
	}
}

func (t *TCPTransport) feed(chunk []byte) {
	t.mu.Lock()
	c := t.codec
	t.mu.Unlock()
	if c == nil {
		return
	}

	frames, gaps, err := c.Feed(chunk)

	t.cbMu.RLock()
	onFrame := t.onFrame
	onGap := t.onGap
	t.cbMu.RUnlock()

	for _, f := range frames {
		if onFrame != nil {
			onFrame(f)
		}
	}
	for _, g := range gaps {
		if onGap != nil {
			onGap(g)
		}
	}

	if err != nil {
		codecErr, ok := err.(*codec.CodecError)
		if ok && codecErr.Fatal() {
			t.fireError(err)
			t.teardown(ReasonError)
			return
		}
		t.fireError(err)
	}
}

func (t *TCPTransport) writeLoop(ctx context.Context, conn net.Conn) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-t.outbound:
			if !ok {
				return
			}
			if _, err := conn.Write(payload); err != nil {
				t.fireError(fmt.Errorf("tcp write: %w", err))
				t.teardown(ReasonError)
				return
			}
		}
	}
}

func (t *TCPTransport) teardown(reason DisconnectReason) {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	c := t.codec
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
	if c != nil {
		c.Reset()
	}
	t.setState(Disconnected, reason)
}

// Disconnect closes the connection from the local side.
func (t *TCPTransport) Disconnect() {
	t.teardown(ReasonLocalClose)
}

// Send encodes (command, sequence, body) as a length-prefixed CRC-checked
// TCP frame and submits it to the outbound queue without blocking.
func (t *TCPTransport) Send(command codec.Command, sequence uint32, body []byte) error {
	t.mu.Lock()
	state := t.state
	out := t.outbound
	t.mu.Unlock()

	if state != Connected || out == nil {
		return fmt.Errorf("tcp transport: not connected")
	}

	payload, err := codec.Encode(command, sequence, body)
	if err != nil {
		return fmt.Errorf("tcp transport: encode: %w", err)
	}
	select {
	case out <- payload:
		return nil
	default:
		return fmt.Errorf("tcp transport: outbound queue full")
	}
}

func (t *TCPTransport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
