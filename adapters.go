package imsdk

import (
	"context"
	"fmt"
	"time"

	"imsdk/internal/codec"
	"imsdk/internal/control"
	"imsdk/internal/sendqueue"
	"imsdk/internal/store"
	imsync "imsdk/internal/sync"
	"imsdk/internal/supervisor"
)

// This file adapts the Client facade to the narrow interfaces each internal
// manager depends on. *store.Store already satisfies the store-shaped
// interfaces (message.Store, conversation.Store, control.Store, sync.Store)
// structurally, so no wrapper is needed there; the types below exist only
// where a manager's dependency has no existing structural match.

// --- message.AckSender ---

type ackSenderAdapter struct{ c *Client }

func (a ackSenderAdapter) SendDeliveryAck(ctx context.Context, messageID, conversationID string) error {
	body, err := codec.Marshal(codec.DeliveryAck{
		MessageID:      messageID,
		ConversationID: conversationID,
		DeliverTime:    a.c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode delivery ack: %w", err)
	}
	return a.c.transport.Send(codec.CommandDeliveryAck, a.c.supv.NextSequence(), body)
}

// --- message.Listener ---

type messageListenerAdapter struct{ c *Client }

func (a messageListenerAdapter) OnMessageCreated(m store.MessageRow) {
	broadcast(a.c.onMessageCreated.Snapshot(), toPublicMessage(m))
}

func (a messageListenerAdapter) OnMessageStatusChanged(m store.MessageRow) {
	broadcast(a.c.onMessageUpdated.Snapshot(), toPublicMessage(m))
}

func (a messageListenerAdapter) OnMessageReceived(m store.MessageRow) {
	broadcast(a.c.onMessageRecv.Snapshot(), toPublicMessage(m))
}

func (a messageListenerAdapter) OnConversationUpdated(conversationID string) {
	for _, fn := range a.c.onConvChanged.Snapshot() {
		fn(conversationID)
	}
}

func broadcast(listeners []MessageListener, m Message) {
	for _, fn := range listeners {
		fn(m)
	}
}

// --- conversation.ReceiptSender ---

type receiptSenderAdapter struct{ c *Client }

func (a receiptSenderAdapter) SendReadReceipt(ctx context.Context, conversationID string) error {
	body, err := codec.Marshal(codec.ReadReceiptReq{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("encode read receipt: %w", err)
	}
	return a.c.transport.Send(codec.CommandReadReceiptReq, a.c.supv.NextSequence(), body)
}

// --- conversation.Listener ---

type conversationListenerAdapter struct{ c *Client }

func (a conversationListenerAdapter) OnConversationChanged(conversationID string) {
	for _, fn := range a.c.onConvChanged.Snapshot() {
		fn(conversationID)
	}
}

func (a conversationListenerAdapter) OnTotalUnreadChanged(total int) {
	for _, fn := range a.c.onTotalUnread.Snapshot() {
		fn(total)
	}
}

// --- control.TypingSender ---

type typingSenderAdapter struct{ c *Client }

func (a typingSenderAdapter) SendTypingStatus(ctx context.Context, conversationID, status string) error {
	uid, _ := a.c.userID.Load().(string)
	body, err := codec.Marshal(codec.TypingStatusPush{
		ConversationID: conversationID,
		UserID:         uid,
		Status:         status,
		Timestamp:      a.c.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode typing status: %w", err)
	}
	return a.c.transport.Send(codec.CommandTypingStatusPush, a.c.supv.NextSequence(), body)
}

// --- control.Listener ---

type controlListenerAdapter struct{ c *Client }

func (a controlListenerAdapter) OnTypingChanged(conversationID, userID, status string) {
	for _, fn := range a.c.onTyping.Snapshot() {
		fn(conversationID, userID, status)
	}
}

func (a controlListenerAdapter) OnMessageRead(messageID string)    { a.notifyUpdated(messageID) }
func (a controlListenerAdapter) OnMessageRevoked(messageID string) { a.notifyUpdated(messageID) }

// notifyUpdated re-reads messageID from the store so OnMessageUpdated
// listeners see the post-mutation row (read_by appended, or the revoke
// tombstone applied) rather than a stale in-memory copy.
func (a controlListenerAdapter) notifyUpdated(messageID string) {
	row, err := a.c.store.GetMessage(context.Background(), messageID)
	if err != nil {
		return
	}
	broadcast(a.c.onMessageUpdated.Snapshot(), toPublicMessage(row))
}

// --- sendqueue.Listener ---

type queueListenerAdapter struct{ c *Client }

func (a queueListenerAdapter) OnAcked(item sendqueue.Item, result sendqueue.AckResult) {
	row, err := a.c.store.GetMessage(context.Background(), item.MessageID)
	if err != nil {
		return
	}
	row.ServerMsgID = result.ServerMsgID
	row.Seq = result.Seq
	row.ServerTime = result.ServerTime
	row.Status = "sent"
	if _, err := a.c.store.SaveMessage(context.Background(), row); err != nil {
		return
	}
	broadcast(a.c.onMessageUpdated.Snapshot(), toPublicMessage(row))
}

func (a queueListenerAdapter) OnFailed(item sendqueue.Item) {
	row, err := a.c.store.GetMessage(context.Background(), item.MessageID)
	if err != nil {
		return
	}
	row.Status = "failed"
	if _, err := a.c.store.SaveMessage(context.Background(), row); err != nil {
		return
	}
	broadcast(a.c.onMessageUpdated.Snapshot(), toPublicMessage(row))
}

func (a queueListenerAdapter) OnRetrying(item sendqueue.Item) {}

// --- supervisor.Listener ---

type supervisorListenerAdapter struct{ c *Client }

func (a supervisorListenerAdapter) OnStateChange(from, to supervisor.State, cause supervisor.Cause) {
	a.c.queue.SetConnected(to == supervisor.Connected)
	pub := fromSupervisorState(to)
	pubFrom := fromSupervisorState(from)
	for _, fn := range a.c.onConnState.Snapshot() {
		fn(pubFrom, pub)
	}
}

func (a supervisorListenerAdapter) OnAuthenticated(serverMaxSeq int64) {
	if a.c.syncer == nil {
		return
	}
	go func() {
		if err := a.c.syncer.Sync(context.Background(), 0, imsync.DefaultBatchSize); err != nil {
			a.c.cfg.logger().Warn().Err(err).Msg("post-auth sync")
		}
	}()
}

func (a supervisorListenerAdapter) OnFrame(frame codec.Frame) {
	a.c.router.Dispatch(frame)
}

// --- sync.Puller ---

const syncRequestTimeout = 10 * time.Second

type syncPullerAdapter struct{ c *Client }

func (a syncPullerAdapter) Pull(ctx context.Context, fromSeq int64, batchSize int) (codec.SyncRsp, error) {
	body, err := codec.Marshal(codec.SyncReq{LastSeq: fromSeq - 1, Count: batchSize})
	if err != nil {
		return codec.SyncRsp{}, fmt.Errorf("encode sync request: %w", err)
	}

	seq := a.c.supv.NextSequence()
	result := make(chan codec.SyncRsp, 1)
	decodeErr := make(chan error, 1)
	a.c.router.AwaitSequence(seq, func(frame codec.Frame) {
		var rsp codec.SyncRsp
		if err := codec.Unmarshal(frame.Body, &rsp); err != nil {
			decodeErr <- err
			return
		}
		result <- rsp
	})

	if err := a.c.transport.Send(codec.CommandSyncReq, seq, body); err != nil {
		a.c.router.CancelSequence(seq)
		return codec.SyncRsp{}, &imsync.NetworkError{Err: err}
	}

	select {
	case rsp := <-result:
		return rsp, nil
	case err := <-decodeErr:
		return codec.SyncRsp{}, &imsync.NetworkError{Err: err}
	case <-ctx.Done():
		a.c.router.CancelSequence(seq)
		return codec.SyncRsp{}, ctx.Err()
	case <-time.After(syncRequestTimeout):
		a.c.router.CancelSequence(seq)
		return codec.SyncRsp{}, &imsync.NetworkError{Err: fmt.Errorf("sync request timed out")}
	}
}

// --- sync.Listener ---

type syncListenerAdapter struct{ c *Client }

func (a syncListenerAdapter) OnProgress(p imsync.Progress) {}

func (a syncListenerAdapter) OnComplete(finalSeq int64) {
	a.c.cfg.logger().Debug().Int64("final_seq", finalSeq).Msg("sync complete")
}

func (a syncListenerAdapter) OnError(err error) {
	a.c.cfg.logger().Warn().Err(err).Msg("sync error")
}

var _ control.Store = (*store.Store)(nil)
