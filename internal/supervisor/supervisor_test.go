package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"imsdk/internal/codec"
	"imsdk/internal/transport"
)

func TestHeartbeatIntervalByNetworkType(t *testing.T) {
	cases := []struct {
		nt   NetworkType
		want time.Duration
	}{
		{NetworkWiFi, 30 * time.Second},
		{NetworkCellular, 45 * time.Second},
		{NetworkUnknown, 60 * time.Second},
	}
	for _, c := range cases {
		if got := HeartbeatInterval(c.nt); got != c.want {
			t.Errorf("HeartbeatInterval(%v) = %v, want %v", c.nt, got, c.want)
		}
	}
}

func TestComputeBackoffCapsAtMaxDelay(t *testing.T) {
	zero := func() float64 { return 0 }
	// attempt large enough that base*2^attempt overflows past maxDelay.
	got := computeBackoff(10, zero)
	if got != maxDelay {
		t.Fatalf("got %v, want capped at %v", got, maxDelay)
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	for _, attempt := range []int{0, 1, 2, 3} {
		base := baseDelay * time.Duration(1<<uint(attempt))
		if base > maxDelay {
			base = maxDelay
		}
		low := computeBackoff(attempt, func() float64 { return 0 })
		high := computeBackoff(attempt, func() float64 { return 0.999 })
		if low < base {
			t.Fatalf("attempt %d: low=%v below base=%v", attempt, low, base)
		}
		if high > base+time.Duration(float64(base)*0.3)+time.Millisecond {
			t.Fatalf("attempt %d: high=%v exceeds 1.3x base=%v", attempt, high, base)
		}
	}
}

// fakeTransport is a minimal in-memory Transport double driven directly by
// tests: Connect always "succeeds" synchronously and fires Connected, and
// Send records frames instead of touching a network.
type fakeTransport struct {
	mu    sync.Mutex
	state transport.State
	sent  []codec.Frame

	onFrame       func(codec.Frame)
	onStateChange func(transport.State, transport.DisconnectReason)
	onError       func(error)

	connectErr error
}

func (f *fakeTransport) Connect(ctx context.Context, addr, credential string) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.state = transport.Connected
	f.mu.Unlock()
	if f.onStateChange != nil {
		f.onStateChange(transport.Connected, transport.ReasonNone)
	}
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	f.state = transport.Disconnected
	f.mu.Unlock()
}

func (f *fakeTransport) Send(command codec.Command, sequence uint32, body []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, codec.Frame{Command: command, Sequence: sequence, Body: body})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) SetOnFrame(fn func(codec.Frame))                                   { f.onFrame = fn }
func (f *fakeTransport) SetOnGap(fn func(codec.GapSignal))                                  {}
func (f *fakeTransport) SetOnStateChange(fn func(transport.State, transport.DisconnectReason)) { f.onStateChange = fn }
func (f *fakeTransport) SetOnError(fn func(error))                                          { f.onError = fn }

func (f *fakeTransport) lastSent() (codec.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return codec.Frame{}, false
	}
	return f.sent[len(f.sent)-1], true
}

type fakeSupClock struct{ ch chan time.Time }

func (c *fakeSupClock) Now() time.Time                         { return time.Unix(0, 0) }
func (c *fakeSupClock) After(d time.Duration) <-chan time.Time { return c.ch }

type recordingListener struct {
	mu            sync.Mutex
	transitions   []State
	authenticated []int64
	frames        []codec.Frame
}

func (l *recordingListener) OnStateChange(from, to State, cause Cause) {
	l.mu.Lock()
	l.transitions = append(l.transitions, to)
	l.mu.Unlock()
}
func (l *recordingListener) OnAuthenticated(serverMaxSeq int64) {
	l.mu.Lock()
	l.authenticated = append(l.authenticated, serverMaxSeq)
	l.mu.Unlock()
}
func (l *recordingListener) OnFrame(frame codec.Frame) {
	l.mu.Lock()
	l.frames = append(l.frames, frame)
	l.mu.Unlock()
}

func TestConnectDrivesAuthHandshake(t *testing.T) {
	ft := &fakeTransport{}
	listener := &recordingListener{}
	clock := &fakeSupClock{ch: make(chan time.Time)}
	sup := New(ft, clock, listener, func() Credentials { return Credentials{UserID: "u1", Token: "t1"} })

	sup.Connect(context.Background(), "example:1234")

	if sup.State() != Authenticating {
		t.Fatalf("state = %v, want Authenticating", sup.State())
	}
	frame, ok := ft.lastSent()
	if !ok || frame.Command != codec.CommandAuthReq {
		t.Fatalf("expected auth_req sent, got %+v ok=%v", frame, ok)
	}

	// Simulate the server's auth_rsp arriving via the transport's frame
	// callback.
	body, _ := codec.Marshal(codec.AuthRsp{ErrorCode: 0, ServerMaxSeq: 42})
	ft.onFrame(codec.Frame{Command: codec.CommandAuthRsp, Body: body})

	if sup.State() != Connected {
		t.Fatalf("state = %v, want Connected", sup.State())
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.authenticated) != 1 || listener.authenticated[0] != 42 {
		t.Fatalf("expected OnAuthenticated(42), got %v", listener.authenticated)
	}
}

func TestAuthFailureDoesNotReconnect(t *testing.T) {
	ft := &fakeTransport{}
	listener := &recordingListener{}
	clock := &fakeSupClock{ch: make(chan time.Time)}
	sup := New(ft, clock, listener, func() Credentials { return Credentials{} })

	sup.Connect(context.Background(), "example:1234")
	body, _ := codec.Marshal(codec.AuthRsp{ErrorCode: 401, ErrorMsg: "bad token"})
	ft.onFrame(codec.Frame{Command: codec.CommandAuthRsp, Body: body})

	if sup.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", sup.State())
	}
}

func TestKickOutForcesDisconnectWithoutReconnect(t *testing.T) {
	ft := &fakeTransport{}
	listener := &recordingListener{}
	clock := &fakeSupClock{ch: make(chan time.Time)}
	sup := New(ft, clock, listener, func() Credentials { return Credentials{} })

	sup.Connect(context.Background(), "example:1234")
	body, _ := codec.Marshal(codec.AuthRsp{ErrorCode: 0, ServerMaxSeq: 1})
	ft.onFrame(codec.Frame{Command: codec.CommandAuthRsp, Body: body})

	ko, _ := codec.Marshal(codec.KickOut{ReasonCode: 1, Message: "logged in elsewhere"})
	ft.onFrame(codec.Frame{Command: codec.CommandKickOut, Body: ko})

	if sup.State() != Disconnected {
		t.Fatalf("state = %v, want Disconnected", sup.State())
	}
}

func TestNonAuthFrameForwardedToListener(t *testing.T) {
	ft := &fakeTransport{}
	listener := &recordingListener{}
	clock := &fakeSupClock{ch: make(chan time.Time)}
	sup := New(ft, clock, listener, func() Credentials { return Credentials{} })

	sup.Connect(context.Background(), "example:1234")
	body, _ := codec.Marshal(codec.AuthRsp{ErrorCode: 0})
	ft.onFrame(codec.Frame{Command: codec.CommandAuthRsp, Body: body})

	ft.onFrame(codec.Frame{Command: codec.CommandPushMsg, Sequence: 9})

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.frames) != 1 || listener.frames[0].Command != codec.CommandPushMsg {
		t.Fatalf("expected push_msg forwarded, got %v", listener.frames)
	}
}
