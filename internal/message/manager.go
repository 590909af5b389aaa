// Package message implements the Message Manager (spec §4.9): the send
// path (id/stamp/persist/enqueue), the hybrid sync/async persistence
// dispatch by message type, the receive path (dedup-merge save, unread
// accounting, delivery ack), batch receive, and the active-conversation
// tracker.
package message

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"imsdk/internal/codec"
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

// syncPersistTypes mirrors imsdk.RequiresSyncPersist without importing the
// root package, which itself imports this one (same duplication the root
// model uses for SaveOutcome/BatchStats).
var syncPersistTypes = map[string]bool{
	"image":      true,
	"video":      true,
	"file":       true,
	"transfer":   true,
	"red_packet": true,
}

// RequiresSyncPersist reports whether messageType must be durably persisted
// before Send returns, per the hybrid dispatch policy in spec §4.9.
func RequiresSyncPersist(messageType string) bool { return syncPersistTypes[messageType] }

// Store is the narrow slice of internal/store.Store the manager needs.
type Store interface {
	SaveMessage(ctx context.Context, m store.MessageRow) (store.SaveOutcome, error)
	SaveMessages(ctx context.Context, rows []store.MessageRow) (store.BatchStats, error)
	UpsertConversation(ctx context.Context, c store.ConversationRow) error
	UpdateLatestMessage(ctx context.Context, conversationID string, lm store.LatestMessageRow, msgTime int64) error
	IncrementUnread(ctx context.Context, conversationID string, by int) error
	ClearUnread(ctx context.Context, conversationID string, now int64) error
}

// SendQueue is the narrow slice of sendqueue.Queue the manager needs.
type SendQueue interface {
	Enqueue(messageID, conversationID string, payload []byte)
}

// Sidecar durably records a latency-first message before it is handed to an
// async worker, so a crash between send() returning and the worker's write
// never loses the message (spec §4.9's "crash-recovery sidecar").
type Sidecar interface {
	Stage(row store.MessageRow) error
	Clear(messageID string) error
	Pending() ([]store.MessageRow, error)
}

// AckSender delivers the receive-path delivery ACK back to the server.
// Implemented by the Client facade over the Transport/Supervisor.
type AckSender interface {
	SendDeliveryAck(ctx context.Context, messageID, conversationID string) error
}

// Listener receives Message Manager lifecycle events. Payloads are
// store.MessageRow rather than a root-package type to avoid an import
// cycle; the Client facade translates to the public Message type.
type Listener interface {
	OnMessageCreated(m store.MessageRow)
	OnMessageStatusChanged(m store.MessageRow)
	OnMessageReceived(m store.MessageRow)
	OnConversationUpdated(conversationID string)
}

const asyncWorkers = 3 // bounded 2-4 pool per spec §5 concurrency model

type asyncJob struct {
	row store.MessageRow
}

// Manager implements the send/receive paths and the active-conversation
// tracker. Callers provide the current user id at construction since the
// manager never reads it from anywhere else.
type Manager struct {
	store     Store
	queue     SendQueue
	sidecar   Sidecar
	ackSender AckSender
	listener  Listener
	clock     Clock
	userID    string

	work chan asyncJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	active *string // exclusive cell: conversation_id the UI currently has open
}

// New creates a Manager and starts its bounded async-persistence worker
// pool. Call Close to stop the pool.
func New(st Store, queue SendQueue, sidecar Sidecar, ackSender AckSender, listener Listener, clock Clock, userID string) *Manager {
	m := &Manager{
		store:     st,
		queue:     queue,
		sidecar:   sidecar,
		ackSender: ackSender,
		listener:  listener,
		clock:     clock,
		userID:    userID,
		work:      make(chan asyncJob, 64),
	}
	for i := 0; i < asyncWorkers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Close stops the async worker pool, draining any queued jobs first.
func (m *Manager) Close() {
	close(m.work)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for job := range m.work {
		if _, err := m.store.SaveMessage(context.Background(), job.row); err != nil {
			// Leave the sidecar entry in place; RecoverPending will retry it
			// on next startup rather than lose the message here.
			continue
		}
		_ = m.sidecar.Clear(job.row.MessageID)
		if m.listener != nil {
			m.listener.OnMessageStatusChanged(job.row)
		}
	}
}

// RecoverPending drains the sidecar on startup: every staged-but-unwritten
// message is saved and cleared, matching the crash-recovery contract.
func (m *Manager) RecoverPending(ctx context.Context) error {
	pending, err := m.sidecar.Pending()
	if err != nil {
		return fmt.Errorf("message: read sidecar: %w", err)
	}
	for _, row := range pending {
		if _, err := m.store.SaveMessage(ctx, row); err != nil {
			return fmt.Errorf("message: recover %s: %w", row.MessageID, err)
		}
		_ = m.sidecar.Clear(row.MessageID)
	}
	return nil
}

// Send implements the send path (spec §4.9): assigns message_id if absent,
// stamps create_time/status/direction/sender_id, persists (sync or async by
// type), enqueues into the Send Queue, and notifies message_created. It
// returns as soon as the message is durable and queued — not once the
// server has accepted it; that arrives later via OnMessageStatusChanged.
func (m *Manager) Send(ctx context.Context, msg store.MessageRow) (store.MessageRow, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.CreateTime = m.clock.Now().UnixMilli()
	msg.Status = "sending"
	msg.Direction = "send"
	msg.SenderID = m.userID

	if RequiresSyncPersist(msg.MessageType) {
		if _, err := m.store.SaveMessage(ctx, msg); err != nil {
			return store.MessageRow{}, fmt.Errorf("message: sync persist: %w", err)
		}
	} else {
		if err := m.sidecar.Stage(msg); err != nil {
			return store.MessageRow{}, fmt.Errorf("message: stage sidecar: %w", err)
		}
		select {
		case m.work <- asyncJob{row: msg}:
		default:
			// Pool saturated: fall back to a synchronous write rather than
			// drop the message or block the caller indefinitely.
			if _, err := m.store.SaveMessage(ctx, msg); err != nil {
				return store.MessageRow{}, fmt.Errorf("message: fallback persist: %w", err)
			}
			_ = m.sidecar.Clear(msg.MessageID)
		}
	}

	payload, err := codec.Marshal(toWireMessage(msg))
	if err != nil {
		return store.MessageRow{}, fmt.Errorf("message: encode: %w", err)
	}
	m.queue.Enqueue(msg.MessageID, msg.ConversationID, payload)

	if err := m.touchConversation(ctx, msg); err != nil {
		return store.MessageRow{}, err
	}

	if m.listener != nil {
		m.listener.OnMessageCreated(msg)
	}
	return msg, nil
}

// OnPushMessage implements the receive path (spec §4.9): stamps
// direction=receive, dedup-merge saves, updates the conversation, applies
// unread accounting with the active-conversation exception, sends a
// delivery ACK, and notifies listeners.
func (m *Manager) OnPushMessage(ctx context.Context, wm codec.WireMessage) error {
	row := wireMessageToRow(wm)

	outcome, err := m.store.SaveMessage(ctx, row)
	if err != nil {
		return fmt.Errorf("message: save pushed message: %w", err)
	}

	if err := m.touchConversation(ctx, row); err != nil {
		return err
	}

	isControl := row.MessageType == "system" || row.MessageType == "typing"
	if !isControl {
		if m.isActiveConversation(row.ConversationID) {
			if err := m.store.ClearUnread(ctx, row.ConversationID, m.clock.Now().UnixMilli()); err != nil {
				return fmt.Errorf("message: clear unread on active conversation: %w", err)
			}
		} else {
			if err := m.store.IncrementUnread(ctx, row.ConversationID, 1); err != nil {
				return fmt.Errorf("message: increment unread: %w", err)
			}
		}
	}

	if m.ackSender != nil {
		if err := m.ackSender.SendDeliveryAck(ctx, row.MessageID, row.ConversationID); err != nil {
			return fmt.Errorf("message: delivery ack: %w", err)
		}
	}

	if outcome != store.Skipped && m.listener != nil {
		m.listener.OnMessageReceived(row)
	}
	if m.listener != nil {
		m.listener.OnConversationUpdated(row.ConversationID)
	}
	return nil
}

// OnBatchPush implements batch receive (spec §4.9): dedup-merge as one
// transaction, then notify each affected conversation exactly once.
func (m *Manager) OnBatchPush(ctx context.Context, batch codec.BatchMsg) (store.BatchStats, error) {
	rows := make([]store.MessageRow, 0, len(batch.Messages))
	latestByConv := make(map[string]store.MessageRow, len(batch.Messages))
	for _, wm := range batch.Messages {
		row := wireMessageToRow(wm)
		rows = append(rows, row)
		if prev, ok := latestByConv[row.ConversationID]; !ok || row.CreateTime > prev.CreateTime {
			latestByConv[row.ConversationID] = row
		}
	}

	stats, err := m.store.SaveMessages(ctx, rows)
	if err != nil {
		return stats, fmt.Errorf("message: save batch: %w", err)
	}

	for convID, row := range latestByConv {
		if err := m.touchConversation(ctx, row); err != nil {
			return stats, err
		}
		if !m.isActiveConversation(convID) {
			count := 0
			for _, r := range rows {
				if r.ConversationID == convID && r.MessageType != "system" {
					count++
				}
			}
			if count > 0 {
				if err := m.store.IncrementUnread(ctx, convID, count); err != nil {
					return stats, fmt.Errorf("message: increment unread batch: %w", err)
				}
			}
		}
		if m.listener != nil {
			m.listener.OnConversationUpdated(convID)
		}
	}
	return stats, nil
}

// SetActiveConversation sets (or clears, with nil) the conversation the UI
// currently has open, toggled under a short lock (spec §4.9).
func (m *Manager) SetActiveConversation(conversationID *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conversationID == nil {
		m.active = nil
		return
	}
	id := *conversationID
	m.active = &id
}

func (m *Manager) isActiveConversation(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && *m.active == conversationID
}

// touchConversation ensures the conversation row exists (conversation_id is
// deterministic from participants per spec; there is no separate "create
// conversation" operation) and then folds msg in as the latest message if
// it is newer than what is already stored.
func (m *Manager) touchConversation(ctx context.Context, row store.MessageRow) error {
	targetID := row.ReceiverID
	if row.Direction == "receive" {
		targetID = row.SenderID
	}
	if err := m.store.UpsertConversation(ctx, store.ConversationRow{
		ConversationID:   row.ConversationID,
		ConversationType: row.ConversationType,
		TargetID:         targetID,
		CreateTime:       row.CreateTime,
		UpdateTime:       row.CreateTime,
	}); err != nil {
		return fmt.Errorf("message: upsert conversation: %w", err)
	}

	lm := store.LatestMessageRow{
		MessageID:   row.MessageID,
		MessageType: row.MessageType,
		Content:     row.Content,
		SenderID:    row.SenderID,
		Time:        row.CreateTime,
		Status:      row.Status,
	}
	if err := m.store.UpdateLatestMessage(ctx, row.ConversationID, lm, row.CreateTime); err != nil {
		return fmt.Errorf("message: update latest message: %w", err)
	}
	return nil
}

func wireMessageToRow(wm codec.WireMessage) store.MessageRow {
	row := store.MessageRow{
		MessageID:        wm.MessageID,
		ServerMsgID:      wm.ServerMsgID,
		Seq:              wm.Seq,
		ConversationID:   wm.ConversationID,
		SenderID:         wm.SenderID,
		ReceiverID:       wm.ReceiverID,
		ConversationType: wm.ConversationType,
		MessageType:      wm.MessageType,
		Content:          wm.Content,
		CreateTime:       wm.CreateTime,
		ServerTime:       wm.ServerTime,
		Status:           wm.Status,
		Direction:        "receive",
		IsRead:           wm.IsRead,
		IsDeleted:        wm.IsDeleted,
		IsRevoked:        wm.IsRevoked,
		RevokedBy:        wm.RevokedBy,
		RevokedTime:      wm.RevokedTime,
		AtUserIDs:        wm.AtUserIDs,
		AtAll:            wm.AtAll,
		ReadBy:           wm.ReadBy,
		Extra:            wm.Extra,
	}
	if wm.Quote != nil {
		if encoded, err := codec.Marshal(wm.Quote); err == nil {
			row.QuoteJSON = string(encoded)
		}
	}
	if row.Status == "" {
		row.Status = "sent"
	}
	return row
}

func toWireMessage(row store.MessageRow) codec.WireMessage {
	wm := codec.WireMessage{
		MessageID:        row.MessageID,
		ServerMsgID:      row.ServerMsgID,
		Seq:              row.Seq,
		ConversationID:   row.ConversationID,
		SenderID:         row.SenderID,
		ReceiverID:       row.ReceiverID,
		ConversationType: row.ConversationType,
		MessageType:      row.MessageType,
		Content:          row.Content,
		CreateTime:       row.CreateTime,
		ServerTime:       row.ServerTime,
		Status:           row.Status,
		IsRead:           row.IsRead,
		IsDeleted:        row.IsDeleted,
		IsRevoked:        row.IsRevoked,
		RevokedBy:        row.RevokedBy,
		RevokedTime:      row.RevokedTime,
		AtUserIDs:        row.AtUserIDs,
		AtAll:            row.AtAll,
		ReadBy:           row.ReadBy,
		Extra:            row.Extra,
	}
	if row.QuoteJSON != "" {
		var q codec.Quote
		if err := codec.Unmarshal([]byte(row.QuoteJSON), &q); err == nil {
			wm.Quote = &q
		}
	}
	return wm
}
