package imsdk

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"imsdk/internal/codec"
	"imsdk/internal/transport"
)

// fakeTransport is a minimal in-memory Transport double: Connect succeeds
// immediately (no real dial), Send records frames instead of writing to a
// socket, and tests drive inbound frames by calling deliver directly.
type fakeTransport struct {
	mu       sync.Mutex
	state    transport.State
	sent     []codec.Frame
	onFrame  func(frame codec.Frame)
	onState  func(state transport.State, reason transport.DisconnectReason)
	onError  func(err error)
	sendErr  error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{state: transport.Disconnected} }

func (f *fakeTransport) Connect(ctx context.Context, addr, credential string) error {
	f.mu.Lock()
	f.state = transport.Connected
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(transport.Connected, transport.ReasonNone)
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
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, codec.Frame{Command: command, Sequence: sequence, Body: body})
	return nil
}

func (f *fakeTransport) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) SetOnFrame(fn func(frame codec.Frame))     { f.onFrame = fn }
func (f *fakeTransport) SetOnGap(fn func(gap codec.GapSignal))     {}
func (f *fakeTransport) SetOnStateChange(fn func(state transport.State, reason transport.DisconnectReason)) {
	f.onState = fn
}
func (f *fakeTransport) SetOnError(fn func(err error)) { f.onError = fn }

// deliver simulates an inbound frame arriving off the wire.
func (f *fakeTransport) deliver(frame codec.Frame) {
	if f.onFrame != nil {
		f.onFrame(frame)
	}
}

// lastSent returns the most recently recorded outbound frame, or ok=false.
func (f *fakeTransport) lastSent() (codec.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return codec.Frame{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	dir := t.TempDir()
	cfg := Default()
	cfg.Database.FileName = filepath.Join(dir, "imsdk.db")
	cfg.Transport.URL = "ws://test.invalid/ws"

	ft := newFakeTransport()
	c, err := newWithTransport(cfg, ft)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Logout() })
	return c, ft
}

// loginAndAuthenticate logs in userID and simulates the server accepting
// the handshake, driving the supervisor (and therefore the send queue) to
// the Connected state.
func loginAndAuthenticate(t *testing.T, c *Client, ft *fakeTransport, userID string) {
	t.Helper()
	if err := c.Login(context.Background(), userID, "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	body, err := codec.Marshal(codec.AuthRsp{ErrorCode: 0, ServerMaxSeq: 0})
	if err != nil {
		t.Fatalf("marshal auth_rsp: %v", err)
	}
	ft.deliver(codec.Frame{Command: codec.CommandAuthRsp, Sequence: 1, Body: body})
}

func TestLoginBindsIdentityOnce(t *testing.T) {
	c, ft := newTestClient(t)

	if err := c.Login(context.Background(), "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.msgs == nil || c.syncer == nil || c.receipts == nil {
		t.Fatal("expected identity-scoped managers to be constructed after Login")
	}
	if _, ok := ft.lastSent(); !ok {
		t.Fatal("expected an auth_req frame to have been sent on Connect")
	}

	// A second Login (e.g. a reconnect-driven re-login) must not rebuild the
	// identity-scoped managers.
	firstMsgs := c.msgs
	if err := c.Login(context.Background(), "alice", "tok2"); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if c.msgs != firstMsgs {
		t.Fatal("expected bindIdentity to run at most once")
	}
}

func TestLoginRejectsEmptyUserID(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.Login(context.Background(), "", "tok")
	var sdkErr *Error
	if !errors.As(err, &sdkErr) || sdkErr.Kind != KindInvalidParameter {
		t.Fatalf("expected KindInvalidParameter, got %v", err)
	}
}

func TestSendMessageBeforeLoginFails(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.SendMessage(context.Background(), "conv1", "single", "text", "hi")
	var sdkErr *Error
	if !errors.As(err, &sdkErr) || sdkErr.Kind != KindNotLoggedIn {
		t.Fatalf("expected KindNotLoggedIn, got %v", err)
	}
}

func TestSendMessageEnqueuesAndNotifiesCreated(t *testing.T) {
	c, ft := newTestClient(t)
	loginAndAuthenticate(t, c, ft, "alice")

	var created Message
	done := make(chan struct{})
	c.OnMessageCreated(func(m Message) {
		created = m
		close(done)
	})

	msg, err := c.SendMessage(context.Background(), "conv1", "single", "text", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msg.Content != "hello" || msg.ConversationID != "conv1" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnMessageCreated")
	}
	if created.MessageID != msg.MessageID {
		t.Fatalf("listener saw %q, want %q", created.MessageID, msg.MessageID)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := ft.lastSent(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected send_msg_req to reach the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionStateListenerReceivesTransitions(t *testing.T) {
	c, _ := newTestClient(t)

	var mu sync.Mutex
	var seen []ConnectionState
	c.OnConnectionStateChanged(func(from, to ConnectionState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	if err := c.Login(context.Background(), "bob", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("expected at least one connection state transition")
	}
}

func TestMarkAsReadClearsUnread(t *testing.T) {
	c, ft := newTestClient(t)
	if err := c.Login(context.Background(), "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	wm := codec.WireMessage{
		MessageID:        "m1",
		ConversationID:   "conv1",
		ConversationType: "single",
		SenderID:         "carol",
		ReceiverID:       "alice",
		MessageType:      "text",
		Content:          "hi",
		CreateTime:       time.Now().UnixMilli(),
	}
	body, err := codec.Marshal(wm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ft.deliver(codec.Frame{Command: codec.CommandPushMsg, Sequence: 1, Body: body})

	// allow the router dispatch (synchronous) to settle.
	total, err := c.TotalUnread(context.Background())
	if err != nil {
		t.Fatalf("TotalUnread: %v", err)
	}
	if total == 0 {
		t.Fatal("expected unread count after inbound push")
	}

	if err := c.MarkAsRead(context.Background(), "conv1"); err != nil {
		t.Fatalf("MarkAsRead: %v", err)
	}
	total, err = c.TotalUnread(context.Background())
	if err != nil {
		t.Fatalf("TotalUnread: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected unread cleared, got %d", total)
	}
}

func TestRequestRevokeRejectsUnknownMessage(t *testing.T) {
	c, _ := newTestClient(t)
	if err := c.Login(context.Background(), "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	err := c.RequestRevoke(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected an error revoking a nonexistent message")
	}
}
