// Package supervisor implements the Connection Supervisor state machine
// (spec §4.4): dialing the transport, driving the auth handshake, sending
// heartbeats, and reconnecting with exponential backoff and jitter.
package supervisor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"imsdk/internal/codec"
	"imsdk/internal/transport"
)

// State is a position in the supervisor's state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Authenticating:
		return "Authenticating"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Disconnected"
	}
}

// Cause annotates why the supervisor landed in Disconnected.
type Cause int

const (
	CauseNone Cause = iota
	CauseAuthError
	CauseKickedOut
	CauseMaxReconnectReached
	CauseIOError
)

func (c Cause) String() string {
	switch c {
	case CauseAuthError:
		return "AuthError"
	case CauseKickedOut:
		return "KickedOut"
	case CauseMaxReconnectReached:
		return "MaxReconnectReached"
	case CauseIOError:
		return "IOError"
	default:
		return "None"
	}
}

// NetworkType selects the heartbeat interval (spec §4.4).
type NetworkType int

const (
	NetworkUnknown NetworkType = iota
	NetworkWiFi
	NetworkCellular
)

// HeartbeatInterval returns the heartbeat period for nt.
func HeartbeatInterval(nt NetworkType) time.Duration {
	switch nt {
	case NetworkWiFi:
		return 30 * time.Second
	case NetworkCellular:
		return 45 * time.Second
	default:
		return 60 * time.Second
	}
}

const (
	baseDelay      = 1 * time.Second
	maxDelay       = 32 * time.Second
	maxAttempts    = 5
	missedHeartbeatLimit = 3
)

// computeBackoff implements delay = min(base*2^attempt, maxDelay) + jitter
// in [0, 0.3*delay]. rnd returns a value in [0, 1); injected so tests can
// pin the jitter sample.
func computeBackoff(attempt int, rnd func() float64) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	jitter := time.Duration(float64(delay) * 0.3 * rnd())
	return delay + jitter
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

// Credentials identifies the local user for auth_req.
type Credentials struct {
	UserID string
	Token  string
}

// Listener receives supervisor lifecycle events. Callbacks run outside any
// internal lock.
type Listener interface {
	// OnStateChange is delivered in strict transition order; two calls
	// never interleave (spec §4.4 ordering guarantee).
	OnStateChange(from, to State, cause Cause)
	// OnAuthenticated fires once auth_rsp(ok) arrives, carrying the
	// server's reported max seq so the caller can decide whether to kick
	// off a sync.
	OnAuthenticated(serverMaxSeq int64)
	// OnFrame forwards every frame the supervisor does not itself
	// consume (everything except auth_rsp, heartbeat_rsp, kick_out) to
	// the Message Router.
	OnFrame(frame codec.Frame)
}

// Supervisor drives one transport instance through its connection
// lifecycle. Not safe for concurrent Connect/Logout calls. Frame and
// transport-state callbacks run on the transport's goroutines and heartbeat
// ticks on a separate heartbeat goroutine; they are not serialized onto one
// goroutine.
type Supervisor struct {
	tr       transport.Transport
	clock    Clock
	listener Listener
	creds    func() Credentials

	mu          sync.Mutex
	state       State
	attempt     int
	isLoggedIn  bool
	netType     NetworkType
	seqCounter  uint32
	missedBeats int
	runCancel   context.CancelFunc
	addr        string
	runCtx      context.Context
}

// New creates a Supervisor over tr. creds is called fresh on every
// (re)connect attempt so a refreshed token is always used.
func New(tr transport.Transport, clock Clock, listener Listener, creds func() Credentials) *Supervisor {
	s := &Supervisor{tr: tr, clock: clock, listener: listener, creds: creds, state: Disconnected}
	tr.SetOnFrame(s.handleFrame)
	tr.SetOnStateChange(s.handleTransportStateChange)
	tr.SetOnError(func(error) {})
	return s
}

func (s *Supervisor) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqCounter++
	return s.seqCounter
}

// NextSequence hands out the next outbound sequence number, for callers
// outside the supervisor (the Message Manager's send path, the Sync
// Engine's pull requests, typing/read-receipt/revoke pushes) that submit
// frames directly through the transport instead of through the supervisor.
func (s *Supervisor) NextSequence() uint32 { return s.nextSeq() }

func (s *Supervisor) setState(to State, cause Cause) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	if s.listener != nil {
		s.listener.OnStateChange(from, to, cause)
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetNetworkType updates the network classification used for heartbeat
// pacing on the next scheduling tick.
func (s *Supervisor) SetNetworkType(nt NetworkType) {
	s.mu.Lock()
	s.netType = nt
	s.mu.Unlock()
}

// Connect starts (or restarts) the connection attempt, resetting the
// reconnect attempt counter — this is the external connect() entrypoint,
// distinct from internal reconnect scheduling.
func (s *Supervisor) Connect(ctx context.Context, addr string) {
	s.mu.Lock()
	s.isLoggedIn = true
	s.attempt = 0
	s.addr = addr
	s.runCtx = ctx
	s.mu.Unlock()
	s.dial(ctx, addr)
}

// Logout tears the connection down and stops any pending reconnect. It is
// the only transition that returns the supervisor to a terminal rest state
// (spec §4.4: "terminal only upon logout").
func (s *Supervisor) Logout() {
	s.mu.Lock()
	s.isLoggedIn = false
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.tr.Disconnect()
	s.setState(Disconnected, CauseNone)
}

func (s *Supervisor) dial(ctx context.Context, addr string) {
	s.setState(Connecting, CauseNone)
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCancel = cancel
	s.mu.Unlock()

	if err := s.tr.Connect(runCtx, addr, ""); err != nil {
		go s.scheduleReconnect(ctx, addr)
		return
	}
	// handleTransportStateChange(Connected) drives the Authenticating
	// transition and sends auth_req.
	go s.heartbeatLoop(runCtx)
}

// handleTransportStateChange reacts to the underlying transport's own
// connectivity signal, independent of frame-level auth/heartbeat logic.
func (s *Supervisor) handleTransportStateChange(ts transport.State, reason transport.DisconnectReason) {
	switch ts {
	case transport.Connected:
		s.setState(Authenticating, CauseNone)
		creds := s.creds()
		body, _ := codec.Marshal(codec.AuthReq{UserID: creds.UserID, Token: creds.Token})
		_ = s.tr.Send(codec.CommandAuthReq, s.nextSeq(), body)
	case transport.Disconnected:
		if reason == transport.ReasonLocalClose {
			return
		}
		s.onIOErrorWhileRunning()
	}
}

// handleFrame intercepts auth_rsp, heartbeat_rsp, and kick_out; everything
// else is forwarded to the Message Router via the listener.
func (s *Supervisor) handleFrame(frame codec.Frame) {
	switch frame.Command {
	case codec.CommandAuthRsp:
		var rsp codec.AuthRsp
		if codec.Unmarshal(frame.Body, &rsp) != nil {
			return
		}
		if rsp.ErrorCode != 0 {
			s.tr.Disconnect()
			s.setState(Disconnected, CauseAuthError)
			return
		}
		s.mu.Lock()
		s.attempt = 0
		s.missedBeats = 0
		s.mu.Unlock()
		s.setState(Connected, CauseNone)
		if s.listener != nil {
			s.listener.OnAuthenticated(rsp.ServerMaxSeq)
		}
	case codec.CommandHeartbeatRsp:
		s.mu.Lock()
		s.missedBeats = 0
		s.mu.Unlock()
	case codec.CommandKickOut:
		var ko codec.KickOut
		_ = codec.Unmarshal(frame.Body, &ko)
		s.mu.Lock()
		s.isLoggedIn = false
		s.mu.Unlock()
		s.tr.Disconnect()
		s.setState(Disconnected, CauseKickedOut)
	default:
		if s.listener != nil {
			s.listener.OnFrame(frame)
		}
	}
}

// heartbeatLoop sends heartbeat_req on the network-type-adjusted interval
// and treats missedHeartbeatLimit consecutive unanswered heartbeats as an
// I/O error. missedBeats counts ticks since the last heartbeat_rsp, one more
// than the heartbeats left unanswered, hence the strict comparison.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	for {
		s.mu.Lock()
		interval := HeartbeatInterval(s.netType)
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		s.mu.Lock()
		if s.state != Connected {
			s.mu.Unlock()
			continue
		}
		s.missedBeats++
		missed := s.missedBeats
		s.mu.Unlock()

		if missed > missedHeartbeatLimit {
			s.onIOErrorWhileRunning()
			return
		}

		body, _ := codec.Marshal(codec.HeartbeatReq{Timestamp: s.clock.Now().UnixMilli()})
		_ = s.tr.Send(codec.CommandHeartbeatReq, s.nextSeq(), body)
	}
}

// onIOErrorWhileRunning handles an I/O error or heartbeat-timeout observed
// while Connected (or mid-handshake): tear the transport down and hand off
// to scheduleReconnect under the connection's original ctx/addr.
func (s *Supervisor) onIOErrorWhileRunning() {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	ctx, addr := s.runCtx, s.addr
	s.mu.Unlock()

	s.tr.Disconnect()
	s.scheduleReconnect(ctx, addr)
}

// scheduleReconnect applies the backoff/give-up policy shared by a failed
// dial and a runtime I/O error: count the attempt, either give up with
// MaxReconnectReached or move to Reconnecting and redial after a jittered
// delay, aborting early if Logout ran in the meantime.
func (s *Supervisor) scheduleReconnect(ctx context.Context, addr string) {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	if attempt > maxAttempts {
		s.setState(Disconnected, CauseMaxReconnectReached)
		return
	}
	s.setState(Reconnecting, CauseIOError)

	delay := computeBackoff(attempt-1, rand.Float64)
	select {
	case <-ctx.Done():
		return
	case <-s.clock.After(delay):
	}

	s.mu.Lock()
	loggedIn := s.isLoggedIn
	s.mu.Unlock()
	if !loggedIn {
		return
	}
	s.dial(ctx, addr)
}

// NotifyNetworkAvailable is the network monitor's "Available" signal
// (spec §4.4): if disconnected-but-logged-in, reattempt the connection.
func (s *Supervisor) NotifyNetworkAvailable(ctx context.Context, addr string) {
	s.mu.Lock()
	eligible := s.state == Disconnected && s.isLoggedIn
	s.mu.Unlock()
	if eligible {
		s.Connect(ctx, addr)
	}
}
