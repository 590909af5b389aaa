package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"imsdk/internal/codec"
)

// wsEchoServer accepts one upgrade and hands the caller the raw server-side
// connection so the test can play the role of the remote endpoint.
func wsEchoServer(t *testing.T) (addr string, serverConn func() *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	return wsURL, func() *websocket.Conn {
		select {
		case c := <-connCh:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("server never received an upgrade")
			return nil
		}
	}
}

func TestWebSocketTransportConnectAndReceiveFrame(t *testing.T) {
	addr, accept := wsEchoServer(t)
	tr := NewWebSocketTransport()

	frames := make(chan codec.Frame, 1)
	tr.SetOnFrame(func(f codec.Frame) { frames <- f })

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	serverConn := accept()
	defer serverConn.Close()

	payload := codec.EncodeWS(codec.CommandPushMsg, 3, time.Now().UnixMilli(), []byte(`{"a":1}`))
	if err := serverConn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case f := <-frames:
		if f.Command != codec.CommandPushMsg || f.Sequence != 3 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestWebSocketTransportSendRoundTrip(t *testing.T) {
	addr, accept := wsEchoServer(t)
	tr := NewWebSocketTransport()

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	serverConn := accept()
	defer serverConn.Close()

	if err := tr.Send(codec.CommandHeartbeatReq, 1, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	_, data, err := serverConn.ReadMessage()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	frame, _, err := codec.DecodeWS(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Command != codec.CommandHeartbeatReq || string(frame.Body) != "ping" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func TestWebSocketTransportRemoteCloseFiresDisconnected(t *testing.T) {
	addr, accept := wsEchoServer(t)
	tr := NewWebSocketTransport()

	states := make(chan State, 4)
	tr.SetOnStateChange(func(s State, _ DisconnectReason) { states <- s })

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	serverConn := accept()
	serverConn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == Disconnected {
				return
			}
		case <-deadline:
			t.Fatal("expected Disconnected after remote close")
		}
	}
}

func TestWebSocketTransportSendBeforeConnectFails(t *testing.T) {
	tr := NewWebSocketTransport()
	if err := tr.Send(codec.CommandHeartbeatReq, 1, nil); err == nil {
		t.Fatal("expected error sending before connect")
	}
}
