// Package control implements the Typing / Read-receipt / Revoke handlers
// (spec §4.11): outbound typing debounce plus auto-stop timer, inbound
// typing expiry sweep, idempotent read-receipt apply, and revoke apply with
// dedup-merge-safe tombstoning.
package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"imsdk/internal/codec"
	"imsdk/internal/store"
)

const (
	// sendInterval is the outbound typing debounce window.
	sendInterval = 5 * time.Second
	// stopDelay is how long after the last keystroke an implicit "stop" fires.
	stopDelay = 3 * time.Second
	// receiveTimeout is how long an inbound typing entry survives without a
	// refresh before the sweeper removes it.
	receiveTimeout = 10 * time.Second
	// sweepInterval is how often the inbound expiry sweep runs.
	sweepInterval = 1 * time.Second
	// tombstoneContent replaces a revoked message's content.
	tombstoneContent = "[message revoked]"
)

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

// TypingSender transmits an outbound typing_status_push frame.
type TypingSender interface {
	SendTypingStatus(ctx context.Context, conversationID, status string) error
}

// Store is the narrow slice of internal/store.Store the handlers need.
type Store interface {
	GetMessage(ctx context.Context, messageID string) (store.MessageRow, error)
	SaveMessage(ctx context.Context, m store.MessageRow) (store.SaveOutcome, error)
	ClearUnread(ctx context.Context, conversationID string, now int64) error
}

// Listener receives typing/read-receipt/revoke events for UI consumption.
type Listener interface {
	OnTypingChanged(conversationID, userID, status string)
	OnMessageRead(messageID string)
	OnMessageRevoked(messageID string)
}

// revokeWindow bounds how long after creation a local user may revoke their
// own message, per spec §8's "RevokeTimeExpired" user-visible behavior.
const revokeWindow = 2 * time.Minute

// ErrRevokeTimeExpired is returned by Revoke when the policy window elapsed.
var ErrRevokeTimeExpired = fmt.Errorf("control: revoke time expired")

// Typing tracks outbound debounce/auto-stop state and inbound expiry.
type Typing struct {
	sender   TypingSender
	listener Listener
	clock    Clock

	// stopAfter overrides stopDelay; defaults to it when zero. Exposed so
	// tests can exercise the auto-stop path without a real 3s wait.
	stopAfter time.Duration

	mu         sync.Mutex
	lastSentAt map[string]time.Time     // conversation_id -> last outbound send
	stopTimers map[string]*time.Timer   // conversation_id -> pending auto-stop
	inbound    map[inboundKey]time.Time // (conversation_id,user_id) -> expires at
}

type inboundKey struct {
	conversationID string
	userID         string
}

// NewTyping creates a Typing handler. Call RunSweeper to start the inbound
// expiry sweep; it blocks until done is closed.
func NewTyping(sender TypingSender, listener Listener, clock Clock) *Typing {
	return &Typing{
		sender:     sender,
		listener:   listener,
		clock:      clock,
		lastSentAt: make(map[string]time.Time),
		stopTimers: make(map[string]*time.Timer),
		inbound:    make(map[inboundKey]time.Time),
	}
}

// NotifyKeystroke is called on every local keystroke in conversationID. It
// sends a debounced "start" (at most once per sendInterval) and schedules an
// auto-stop stopDelay after the last keystroke, canceling any prior timer.
func (t *Typing) NotifyKeystroke(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	last, sent := t.lastSentAt[conversationID]
	shouldSend := !sent || t.clock.Now().Sub(last) >= sendInterval
	if shouldSend {
		t.lastSentAt[conversationID] = t.clock.Now()
	}
	if timer, ok := t.stopTimers[conversationID]; ok {
		timer.Stop()
	}
	delay := t.stopAfter
	if delay <= 0 {
		delay = stopDelay
	}
	t.stopTimers[conversationID] = time.AfterFunc(delay, func() {
		_ = t.sendStop(context.Background(), conversationID)
	})
	t.mu.Unlock()

	if shouldSend && t.sender != nil {
		if err := t.sender.SendTypingStatus(ctx, conversationID, "start"); err != nil {
			return fmt.Errorf("control: send typing start: %w", err)
		}
	}
	return nil
}

func (t *Typing) sendStop(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	delete(t.lastSentAt, conversationID)
	delete(t.stopTimers, conversationID)
	t.mu.Unlock()
	if t.sender == nil {
		return nil
	}
	return t.sender.SendTypingStatus(ctx, conversationID, "stop")
}

// OnInboundTypingPush applies an inbound typing_status_push: a "start"
// refreshes the expiry entry and notifies; a "stop" removes it immediately.
// Typing state is never persisted.
func (t *Typing) OnInboundTypingPush(push codec.TypingStatusPush) {
	key := inboundKey{conversationID: push.ConversationID, userID: push.UserID}
	t.mu.Lock()
	if push.Status == "stop" {
		delete(t.inbound, key)
	} else {
		t.inbound[key] = t.clock.Now().Add(receiveTimeout)
	}
	t.mu.Unlock()

	if t.listener != nil {
		t.listener.OnTypingChanged(push.ConversationID, push.UserID, push.Status)
	}
}

// RunSweeper removes inbound entries past receiveTimeout every
// sweepInterval and notifies listeners of the implicit stop. Blocks until
// done is closed.
func (t *Typing) RunSweeper(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-t.clock.After(sweepInterval):
			t.sweepOnce()
		}
	}
}

func (t *Typing) sweepOnce() {
	now := t.clock.Now()
	var expired []inboundKey

	t.mu.Lock()
	for k, expiresAt := range t.inbound {
		if now.After(expiresAt) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(t.inbound, k)
	}
	t.mu.Unlock()

	if t.listener != nil {
		for _, k := range expired {
			t.listener.OnTypingChanged(k.conversationID, k.userID, "stop")
		}
	}
}

// ReadReceipt applies inbound and outbound read-receipt state.
type ReadReceipt struct {
	store    Store
	listener Listener
	clock    Clock
	userID   string
}

// NewReadReceipt creates a ReadReceipt handler for the local user userID.
func NewReadReceipt(st Store, listener Listener, clock Clock, userID string) *ReadReceipt {
	return &ReadReceipt{store: st, listener: listener, clock: clock, userID: userID}
}

// Apply handles an inbound read_receipt_push: idempotently marks each
// message read (single-chat semantics: is_read=true; group semantics:
// dedup-append to read_by) and clears unread on the conversation when the
// reader is the local user signaling from another device.
func (r *ReadReceipt) Apply(ctx context.Context, push codec.ReadReceiptPush) error {
	for _, messageID := range push.MessageIDs {
		row, err := r.store.GetMessage(ctx, messageID)
		if err != nil {
			continue // message not locally known yet; sync will reconcile later
		}

		changed := false
		if row.ConversationType == "single" {
			if !row.IsRead {
				row.IsRead = true
				changed = true
			}
		} else {
			if !containsString(row.ReadBy, push.ReaderID) {
				row.ReadBy = append(row.ReadBy, push.ReaderID)
				changed = true
			}
		}
		if changed {
			if _, err := r.store.SaveMessage(ctx, row); err != nil {
				return fmt.Errorf("control: apply read receipt: %w", err)
			}
		}
		if r.listener != nil {
			r.listener.OnMessageRead(messageID)
		}
	}

	if push.ReaderID == r.userID {
		if err := r.store.ClearUnread(ctx, push.ConversationID, r.clock.Now().UnixMilli()); err != nil {
			return fmt.Errorf("control: clear unread on cross-device read: %w", err)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Revoke applies inbound and local revoke requests.
type Revoke struct {
	store    Store
	listener Listener
	clock    Clock
}

// NewRevoke creates a Revoke handler.
func NewRevoke(st Store, listener Listener, clock Clock) *Revoke {
	return &Revoke{store: st, listener: listener, clock: clock}
}

// RequestLocalRevoke validates the revoke-time policy for a message the
// local user authored, then applies the tombstone. Returns
// ErrRevokeTimeExpired if the message is older than the policy window.
func (r *Revoke) RequestLocalRevoke(ctx context.Context, messageID, revokerID string) error {
	row, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("control: load message to revoke: %w", err)
	}
	if r.clock.Now().UnixMilli()-row.CreateTime > revokeWindow.Milliseconds() {
		return ErrRevokeTimeExpired
	}
	return r.apply(ctx, row, revokerID)
}

// ApplyPush applies an inbound revoke_msg_push from the server. Dedup-merge
// on the underlying save ensures a later sync pull of the same message_id
// cannot resurrect the original content (spec §4.11).
func (r *Revoke) ApplyPush(ctx context.Context, push codec.RevokeMsgPush) error {
	row, err := r.store.GetMessage(ctx, push.MessageID)
	if err != nil {
		return fmt.Errorf("control: load message for revoke push: %w", err)
	}
	row.RevokedTime = push.RevokeTime
	return r.apply(ctx, row, push.RevokerID)
}

func (r *Revoke) apply(ctx context.Context, row store.MessageRow, revokerID string) error {
	if row.IsRevoked {
		return nil
	}
	row.IsRevoked = true
	row.RevokedBy = revokerID
	if row.RevokedTime == 0 {
		row.RevokedTime = r.clock.Now().UnixMilli()
	}
	row.Content = tombstoneContent

	if _, err := r.store.SaveMessage(ctx, row); err != nil {
		return fmt.Errorf("control: save revoked message: %w", err)
	}
	if r.listener != nil {
		r.listener.OnMessageRevoked(row.MessageID)
	}
	return nil
}
