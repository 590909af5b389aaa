// Package conversation implements the Conversation/Unread Manager
// (spec §4.10): thin public operations over the Local Store's conversation
// rows, each mutation emitting a per-conversation change notification and,
// when the total shifts, a total-unread change notification.
package conversation

import (
	"context"
	"fmt"
	"time"

	"imsdk/internal/store"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real wall-clock Clock.
func SystemClock() Clock { return systemClock{} }

// Store is the narrow slice of internal/store.Store the manager needs.
type Store interface {
	GetUnread(ctx context.Context, conversationID string) (int, error)
	ClearUnread(ctx context.Context, conversationID string, now int64) error
	TotalUnread(ctx context.Context) (int, error)
	SetMuted(ctx context.Context, conversationID string, muted bool) error
	SetPinned(ctx context.Context, conversationID string, pinned bool) error
	SaveDraft(ctx context.Context, conversationID string, d store.DraftRow) error
}

// ReceiptSender emits the read-receipt push that accompanies mark_as_read.
type ReceiptSender interface {
	SendReadReceipt(ctx context.Context, conversationID string) error
}

// Listener receives per-conversation and total-unread change notifications.
type Listener interface {
	OnConversationChanged(conversationID string)
	OnTotalUnreadChanged(total int)
}

// Manager implements the public Conversation/Unread operations.
type Manager struct {
	store    Store
	receipts ReceiptSender
	listener Listener
	clock    Clock
}

// New creates a Manager.
func New(st Store, receipts ReceiptSender, listener Listener, clock Clock) *Manager {
	return &Manager{store: st, receipts: receipts, listener: listener, clock: clock}
}

// GetUnread returns one conversation's unread_count.
func (m *Manager) GetUnread(ctx context.Context, conversationID string) (int, error) {
	n, err := m.store.GetUnread(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("conversation: get unread: %w", err)
	}
	return n, nil
}

// MarkAsRead clears a conversation's unread count, emits a read receipt,
// and notifies both the per-conversation and total-unread listeners.
func (m *Manager) MarkAsRead(ctx context.Context, conversationID string) error {
	before, err := m.store.TotalUnread(ctx)
	if err != nil {
		return fmt.Errorf("conversation: total before mark read: %w", err)
	}

	if err := m.store.ClearUnread(ctx, conversationID, m.clock.Now().UnixMilli()); err != nil {
		return fmt.Errorf("conversation: clear unread: %w", err)
	}

	if m.receipts != nil {
		if err := m.receipts.SendReadReceipt(ctx, conversationID); err != nil {
			return fmt.Errorf("conversation: send read receipt: %w", err)
		}
	}

	m.notifyChanged(conversationID)
	return m.notifyTotalIfChanged(ctx, before)
}

// TotalUnread returns the sum of unread_count across non-muted conversations.
func (m *Manager) TotalUnread(ctx context.Context) (int, error) {
	n, err := m.store.TotalUnread(ctx)
	if err != nil {
		return 0, fmt.Errorf("conversation: total unread: %w", err)
	}
	return n, nil
}

// SetMuted toggles mute. Mutating mute never changes a conversation's
// unread_count, only its contribution to TotalUnread (spec §4.7.5).
func (m *Manager) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	before, err := m.store.TotalUnread(ctx)
	if err != nil {
		return fmt.Errorf("conversation: total before set muted: %w", err)
	}
	if err := m.store.SetMuted(ctx, conversationID, muted); err != nil {
		return fmt.Errorf("conversation: set muted: %w", err)
	}
	m.notifyChanged(conversationID)
	return m.notifyTotalIfChanged(ctx, before)
}

// SetPinned toggles pin order. Pinning never affects unread accounting.
func (m *Manager) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	if err := m.store.SetPinned(ctx, conversationID, pinned); err != nil {
		return fmt.Errorf("conversation: set pinned: %w", err)
	}
	m.notifyChanged(conversationID)
	return nil
}

// SaveDraft persists a conversation's composing state.
func (m *Manager) SaveDraft(ctx context.Context, conversationID string, d store.DraftRow) error {
	if err := m.store.SaveDraft(ctx, conversationID, d); err != nil {
		return fmt.Errorf("conversation: save draft: %w", err)
	}
	m.notifyChanged(conversationID)
	return nil
}

func (m *Manager) notifyChanged(conversationID string) {
	if m.listener != nil {
		m.listener.OnConversationChanged(conversationID)
	}
}

func (m *Manager) notifyTotalIfChanged(ctx context.Context, before int) error {
	after, err := m.store.TotalUnread(ctx)
	if err != nil {
		return fmt.Errorf("conversation: total after mutation: %w", err)
	}
	if after != before && m.listener != nil {
		m.listener.OnTotalUnreadChanged(after)
	}
	return nil
}
