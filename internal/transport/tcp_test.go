package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"imsdk/internal/codec"
)

// loopbackServer accepts one connection and returns it, so tests can play
// the role of the remote endpoint directly against net.Conn.
func loopbackServer(t *testing.T) (addr string, accept func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			connCh <- conn
		}
	}()

	return ln.Addr().String(), func() net.Conn {
		select {
		case c := <-connCh:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("server never accepted a connection")
			return nil
		}
	}
}

func TestTCPTransportConnectAndReceiveFrame(t *testing.T) {
	addr, accept := loopbackServer(t)
	tr := NewTCPTransport()

	frames := make(chan codec.Frame, 1)
	tr.SetOnFrame(func(f codec.Frame) { frames <- f })

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	serverSide := accept()
	defer serverSide.Close()

	encoded, err := codec.Encode(codec.CommandPushMsg, 7, []byte(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := serverSide.Write(encoded); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-frames:
		if f.Command != codec.CommandPushMsg || f.Sequence != 7 {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
}

func TestTCPTransportSendBeforeConnectFails(t *testing.T) {
	tr := NewTCPTransport()
	if err := tr.Send(codec.CommandHeartbeatReq, 1, nil); err == nil {
		t.Fatal("expected error sending before connect")
	}
}

func TestTCPTransportDisconnectTransitionsState(t *testing.T) {
	addr, accept := loopbackServer(t)
	tr := NewTCPTransport()

	states := make(chan State, 4)
	tr.SetOnStateChange(func(s State, _ DisconnectReason) { states <- s })

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	serverSide := accept()
	defer serverSide.Close()

	if got := tr.State(); got != Connected {
		t.Fatalf("state = %v, want Connected", got)
	}

	tr.Disconnect()
	if got := tr.State(); got != Disconnected {
		t.Fatalf("state after disconnect = %v, want Disconnected", got)
	}
}

func TestTCPTransportPartialFrameAcrossReads(t *testing.T) {
	addr, accept := loopbackServer(t)
	tr := NewTCPTransport()

	frames := make(chan codec.Frame, 1)
	tr.SetOnFrame(func(f codec.Frame) { frames <- f })

	if err := tr.Connect(context.Background(), addr, ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	serverSide := accept()
	defer serverSide.Close()

	encoded, err := codec.Encode(codec.CommandHeartbeatRsp, 1, []byte("ok"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Split the frame across two writes to exercise reassembly.
	mid := len(encoded) / 2
	if _, err := serverSide.Write(encoded[:mid]); err != nil {
		t.Fatalf("write part1: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := serverSide.Write(encoded[mid:]); err != nil {
		t.Fatalf("write part2: %v", err)
	}

	select {
	case f := <-frames:
		if f.Command != codec.CommandHeartbeatRsp {
			t.Fatalf("unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled frame")
	}
}
