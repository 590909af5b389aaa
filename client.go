package imsdk

import (
	"context"

	"imsdk/internal/codec"
	"imsdk/internal/control"
	"imsdk/internal/conversation"
	"imsdk/internal/filetransfer"
	"imsdk/internal/message"
	"imsdk/internal/notify"
	"imsdk/internal/router"
	"imsdk/internal/sendqueue"
	"imsdk/internal/store"
	"imsdk/internal/supervisor"
	imsync "imsdk/internal/sync"
	"imsdk/internal/transport"
	"sync"
	"sync/atomic"
	"time"
)

// Handle identifies a registered listener, returned by every On* method and
// accepted by the matching Remove* method.
type Handle = notify.Handle

// ConnectionState mirrors internal/supervisor.State for the public surface,
// so callers never need to import an internal package to read Client.State().
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateReconnecting
)

func fromSupervisorState(s supervisor.State) ConnectionState {
	switch s {
	case supervisor.Connecting:
		return StateConnecting
	case supervisor.Authenticating:
		return StateAuthenticating
	case supervisor.Connected:
		return StateConnected
	case supervisor.Reconnecting:
		return StateReconnecting
	default:
		return StateDisconnected
	}
}

// MessageListener receives Message Manager lifecycle events, translated to
// the public Message type.
type MessageListener func(m Message)

// ConversationListener receives conversation-changed events (by id).
type ConversationListener func(conversationID string)

// TotalUnreadListener receives total-unread-count changes.
type TotalUnreadListener func(total int)

// TypingListener receives typing-state changes.
type TypingListener func(conversationID, userID, status string)

// ConnectionListener receives connection state transitions.
type ConnectionListener func(from, to ConnectionState)

// Client is the facade wiring every internal component into one
// application-facing SDK core: transport, supervisor, router, send queue,
// sync engine, local store, and the message/conversation/control managers.
// Mirrors the teacher's single app.Client struct owning one instance of
// each subsystem.
type Client struct {
	cfg   Config
	clock Clock

	store     *store.Store
	transport transport.Transport
	supv      *supervisor.Supervisor
	router    *router.Router
	queue     *sendqueue.Queue
	convs     *conversation.Manager
	typing    *control.Typing
	revoke    *control.Revoke
	files     *filetransfer.Manager

	// msgs, syncer, and receipts are bound to the logged-in user, so they
	// are constructed on first Login rather than in New.
	loginOnce sync.Once
	msgs      *message.Manager
	syncer    *imsync.Engine
	receipts  *control.ReadReceipt
	userID    atomic.Value // string

	onMessageCreated *notify.Registry[MessageListener]
	onMessageUpdated *notify.Registry[MessageListener]
	onMessageRecv    *notify.Registry[MessageListener]
	onConvChanged    *notify.Registry[ConversationListener]
	onTotalUnread    *notify.Registry[TotalUnreadListener]
	onTyping         *notify.Registry[TypingListener]
	onConnState      *notify.Registry[ConnectionListener]

	shutdown chan struct{}
}

// New opens the local store and constructs every identity-independent
// component (transport, supervisor, router, send queue, conversation and
// control managers). It does not dial the network or bind a user; call
// Login for that.
func New(cfg Config) (*Client, error) {
	return newWithTransport(cfg, nil)
}

// newWithTransport is New's actual body, taking an optional pre-built
// transport so tests can substitute a fake carrier without dialing a real
// socket. A nil tr picks the real transport per cfg.Transport.Type, exactly
// what New does.
func newWithTransport(cfg Config, tr transport.Transport) (*Client, error) {
	clk := cfg.clock()

	st, err := store.Open(store.Options{
		FileName:      cfg.Database.FileName,
		EnableWAL:     cfg.Database.EnableWAL,
		EncryptionKey: cfg.Database.EncryptionKey,
		Logger:        cfg.logger(),
	})
	if err != nil {
		return nil, NewError(KindDatabaseError, "open local store", err)
	}

	c := &Client{
		cfg:    cfg,
		clock:  clk,
		store:  st,
		router: router.New(),

		onMessageCreated: notify.NewRegistry[MessageListener](),
		onMessageUpdated: notify.NewRegistry[MessageListener](),
		onMessageRecv:    notify.NewRegistry[MessageListener](),
		onConvChanged:    notify.NewRegistry[ConversationListener](),
		onTotalUnread:    notify.NewRegistry[TotalUnreadListener](),
		onTyping:         notify.NewRegistry[TypingListener](),
		onConnState:      notify.NewRegistry[ConnectionListener](),

		shutdown: make(chan struct{}),
	}
	c.userID.Store("")

	if tr != nil {
		c.transport = tr
	} else {
		switch cfg.Transport.Type {
		case TransportTCP:
			c.transport = transport.NewTCPTransport()
		default:
			c.transport = transport.NewWebSocketTransport()
		}
	}

	c.queue = sendqueue.New(c.dispatchSend, queueListenerAdapter{c: c}, clk)
	c.supv = supervisor.New(c.transport, clk, supervisorListenerAdapter{c: c}, func() supervisor.Credentials {
		uid, _ := c.userID.Load().(string)
		return supervisor.Credentials{UserID: uid}
	})
	c.convs = conversation.New(st, receiptSenderAdapter{c: c}, conversationListenerAdapter{c: c}, clk)
	c.typing = control.NewTyping(typingSenderAdapter{c: c}, controlListenerAdapter{c: c}, clk)
	c.revoke = control.NewRevoke(st, controlListenerAdapter{c: c}, clk)

	sidecarDir, _ := Path()
	ftSidecar, err := filetransfer.NewFileSidecar(sidecarDirFor(sidecarDir, "transfers"))
	if err != nil {
		st.Close()
		return nil, NewError(KindDatabaseError, "open file transfer sidecar", err)
	}
	c.files = filetransfer.New(nil, ftSidecar)

	c.router.Register(codec.CommandRevokeMsgPush, func(frame codec.Frame) {
		var push codec.RevokeMsgPush
		if codec.Unmarshal(frame.Body, &push) != nil {
			return
		}
		_ = c.revoke.ApplyPush(context.Background(), push)
	})
	c.router.Register(codec.CommandTypingStatusPush, func(frame codec.Frame) {
		var push codec.TypingStatusPush
		if codec.Unmarshal(frame.Body, &push) != nil {
			return
		}
		c.typing.OnInboundTypingPush(push)
	})

	go c.typing.RunSweeper(c.shutdown)

	queueTicker := time.NewTicker(sendqueue.ScanInterval)
	go func() {
		defer queueTicker.Stop()
		c.queue.Run(c.shutdown, queueTicker.C)
	}()

	return c, nil
}

func sidecarDirFor(configPath, sub string) string {
	if configPath == "" {
		return sub
	}
	return configPath + "." + sub
}

// bindIdentity constructs the identity-scoped managers (message, sync,
// read-receipt) and registers their routes exactly once, the first time
// Login is called.
func (c *Client) bindIdentity(userID string) error {
	var bindErr error
	c.loginOnce.Do(func() {
		sidecarDir, _ := Path()
		msgSidecar, err := message.NewFileSidecar(sidecarDirFor(sidecarDir, "messages"))
		if err != nil {
			bindErr = NewError(KindDatabaseError, "open message sidecar", err)
			return
		}

		c.msgs = message.New(c.store, c.queue, msgSidecar, ackSenderAdapter{c: c}, messageListenerAdapter{c: c}, c.clock, userID)
		c.syncer = imsync.New(syncPullerAdapter{c: c}, c.store, syncListenerAdapter{c: c}, c.clock, userID)
		c.receipts = control.NewReadReceipt(c.store, controlListenerAdapter{c: c}, c.clock, userID)

		c.router.Register(codec.CommandPushMsg, func(frame codec.Frame) {
			var wm codec.WireMessage
			if codec.Unmarshal(frame.Body, &wm) != nil {
				return
			}
			_ = c.msgs.OnPushMessage(context.Background(), wm)
		})
		c.router.Register(codec.CommandBatchMsg, func(frame codec.Frame) {
			var batch codec.BatchMsg
			if codec.Unmarshal(frame.Body, &batch) != nil {
				return
			}
			_, _ = c.msgs.OnBatchPush(context.Background(), batch)
		})
		c.router.Register(codec.CommandReadReceiptPush, func(frame codec.Frame) {
			var push codec.ReadReceiptPush
			if codec.Unmarshal(frame.Body, &push) != nil {
				return
			}
			_ = c.receipts.Apply(context.Background(), push)
		})
		c.router.Register(codec.CommandSendMsgRsp, func(frame codec.Frame) {
			var rsp codec.SendMsgRsp
			if codec.Unmarshal(frame.Body, &rsp) != nil {
				return
			}
			if rsp.ErrorCode != 0 {
				c.queue.AckError(rsp.MessageID)
				return
			}
			c.queue.Ack(sendqueue.AckResult{
				MessageID:   rsp.MessageID,
				ServerMsgID: rsp.ServerMsgID,
				Seq:         rsp.Seq,
				ServerTime:  rsp.ServerTime,
			})
		})

		if err := c.msgs.RecoverPending(context.Background()); err != nil {
			c.cfg.logger().Warn().Err(err).Msg("recover pending messages")
		}
	})
	return bindErr
}

func (c *Client) dispatchSend(item sendqueue.Item) error {
	return c.transport.Send(codec.CommandSendMsgReq, c.supv.NextSequence(), item.Payload)
}

// Login binds userID as the local identity (constructing the identity-
// scoped managers on first call) and dials the configured transport
// address. It blocks only on the initial network dial, not on
// authentication completing — watch OnConnectionStateChanged for
// StateConnected, which fires once auth_rsp succeeds.
func (c *Client) Login(ctx context.Context, userID, token string) error {
	if userID == "" {
		return NewError(KindInvalidParameter, "user_id is required", nil)
	}
	if err := c.bindIdentity(userID); err != nil {
		return err
	}
	c.userID.Store(userID)
	c.queue.SetConnected(false)
	c.supv.Connect(ctx, c.cfg.Transport.URL)
	return nil
}

// Logout disconnects, stops the background sweeper/dispatch loops, and
// closes the local store. The Client is not usable after Logout returns.
func (c *Client) Logout() error {
	c.supv.Logout()
	close(c.shutdown)
	if c.msgs != nil {
		c.msgs.Close()
	}
	if err := c.store.Close(); err != nil {
		return NewError(KindDatabaseError, "close local store", err)
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return fromSupervisorState(c.supv.State()) }

// Sync pulls missed messages since the local max seq; pass fromSeq<=0 to
// resume from store state.
func (c *Client) Sync(ctx context.Context, fromSeq int64) error {
	if c.syncer == nil {
		return NewError(KindNotLoggedIn, "sync requires a prior Login", nil)
	}
	if err := c.syncer.Sync(ctx, fromSeq, imsync.DefaultBatchSize); err != nil {
		return NewError(KindNetworkError, "sync", err)
	}
	return nil
}

// SendMessage implements the public send path over the Message Manager.
func (c *Client) SendMessage(ctx context.Context, conversationID, conversationType, messageType, content string) (Message, error) {
	if c.msgs == nil {
		return Message{}, NewError(KindNotLoggedIn, "send message requires a prior Login", nil)
	}
	row := store.MessageRow{
		ConversationID:   conversationID,
		ConversationType: conversationType,
		MessageType:      messageType,
		Content:          content,
	}
	saved, err := c.msgs.Send(ctx, row)
	if err != nil {
		return Message{}, NewError(KindNetworkError, "send message", err)
	}
	return toPublicMessage(saved), nil
}

// SetActiveConversation tells the Message Manager which conversation the
// UI currently has open, for the receive-path unread exception.
func (c *Client) SetActiveConversation(conversationID *string) {
	if c.msgs != nil {
		c.msgs.SetActiveConversation(conversationID)
	}
}

// MarkAsRead clears a conversation's unread count and sends a receipt.
func (c *Client) MarkAsRead(ctx context.Context, conversationID string) error {
	return wrapDBErr(c.convs.MarkAsRead(ctx, conversationID), "mark as read")
}

// TotalUnread returns the sum of unread counts across non-muted conversations.
func (c *Client) TotalUnread(ctx context.Context) (int, error) {
	n, err := c.convs.TotalUnread(ctx)
	if err != nil {
		return 0, NewError(KindDatabaseError, "total unread", err)
	}
	return n, nil
}

// SetMuted toggles a conversation's mute flag.
func (c *Client) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	return wrapDBErr(c.convs.SetMuted(ctx, conversationID, muted), "set muted")
}

// SetPinned toggles a conversation's pin flag.
func (c *Client) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	return wrapDBErr(c.convs.SetPinned(ctx, conversationID, pinned), "set pinned")
}

// SaveDraft persists a conversation's composing state.
func (c *Client) SaveDraft(ctx context.Context, conversationID string, d Draft) error {
	row := store.DraftRow{
		Text:            d.Text,
		AtUserIDs:       d.AtUserIDs,
		QuoteMessageID:  d.QuoteMessageID,
		AttachmentPaths: d.AttachmentPaths,
	}
	return wrapDBErr(c.convs.SaveDraft(ctx, conversationID, row), "save draft")
}

// NotifyTyping reports a local keystroke in conversationID, subject to the
// Typing handler's debounce/auto-stop policy.
func (c *Client) NotifyTyping(ctx context.Context, conversationID string) error {
	return wrapNetErr(c.typing.NotifyKeystroke(ctx, conversationID), "notify typing")
}

// RequestRevoke requests a local revoke of a message authored by the local
// user, subject to the revoke-time policy window.
func (c *Client) RequestRevoke(ctx context.Context, messageID string) error {
	uid, _ := c.userID.Load().(string)
	err := c.revoke.RequestLocalRevoke(ctx, messageID, uid)
	if err == control.ErrRevokeTimeExpired {
		return ErrKind(KindRevokeTimeExpired)
	}
	return wrapDBErr(err, "request revoke")
}

// UploadFile uploads localPath to endpoint, reporting progress.
func (c *Client) UploadFile(ctx context.Context, taskID, endpoint, localPath string, progress func(completed, total int64)) (filetransfer.UploadResult, error) {
	res, err := c.files.Upload(ctx, taskID, endpoint, localPath, progress)
	if err != nil {
		return filetransfer.UploadResult{}, NewError(KindNetworkError, "upload file", err)
	}
	return res, nil
}

// DownloadFile starts a resumable download of url to localPath.
func (c *Client) DownloadFile(ctx context.Context, taskID, url, localPath string, progress func(completed, total int64)) error {
	return wrapNetErr(c.files.StartDownload(ctx, taskID, url, localPath, progress), "download file")
}

// ResumeDownload continues a previously paused download task.
func (c *Client) ResumeDownload(ctx context.Context, taskID string, progress func(completed, total int64)) error {
	return wrapNetErr(c.files.Resume(ctx, taskID, progress), "resume download")
}

// PauseDownload pauses an in-flight download, retaining its resume state.
func (c *Client) PauseDownload(taskID string) { c.files.Pause(taskID) }

// CancelDownload cancels a download and discards its resume state.
func (c *Client) CancelDownload(ctx context.Context, taskID string) error {
	return wrapNetErr(c.files.Cancel(ctx, taskID), "cancel download")
}

// OnMessageCreated registers a listener for locally created messages.
func (c *Client) OnMessageCreated(fn MessageListener) Handle { return c.onMessageCreated.Add(fn) }

// RemoveMessageCreatedListener unregisters a listener added via OnMessageCreated.
func (c *Client) RemoveMessageCreatedListener(h Handle) { c.onMessageCreated.Remove(h) }

// OnMessageReceived registers a listener for inbound messages.
func (c *Client) OnMessageReceived(fn MessageListener) Handle { return c.onMessageRecv.Add(fn) }

// RemoveMessageReceivedListener unregisters a listener added via OnMessageReceived.
func (c *Client) RemoveMessageReceivedListener(h Handle) { c.onMessageRecv.Remove(h) }

// OnMessageUpdated registers a listener for status/content updates to an
// existing message (ack, revoke, read).
func (c *Client) OnMessageUpdated(fn MessageListener) Handle { return c.onMessageUpdated.Add(fn) }

// RemoveMessageUpdatedListener unregisters a listener added via OnMessageUpdated.
func (c *Client) RemoveMessageUpdatedListener(h Handle) { c.onMessageUpdated.Remove(h) }

// OnConversationChanged registers a listener for conversation-row changes.
func (c *Client) OnConversationChanged(fn ConversationListener) Handle {
	return c.onConvChanged.Add(fn)
}

// RemoveConversationChangedListener unregisters a listener added via OnConversationChanged.
func (c *Client) RemoveConversationChangedListener(h Handle) { c.onConvChanged.Remove(h) }

// OnTotalUnreadChanged registers a listener for the aggregate unread count.
func (c *Client) OnTotalUnreadChanged(fn TotalUnreadListener) Handle {
	return c.onTotalUnread.Add(fn)
}

// RemoveTotalUnreadChangedListener unregisters a listener added via OnTotalUnreadChanged.
func (c *Client) RemoveTotalUnreadChangedListener(h Handle) { c.onTotalUnread.Remove(h) }

// OnTypingChanged registers a listener for inbound typing state.
func (c *Client) OnTypingChanged(fn TypingListener) Handle { return c.onTyping.Add(fn) }

// RemoveTypingChangedListener unregisters a listener added via OnTypingChanged.
func (c *Client) RemoveTypingChangedListener(h Handle) { c.onTyping.Remove(h) }

// OnConnectionStateChanged registers a listener for supervisor transitions.
func (c *Client) OnConnectionStateChanged(fn ConnectionListener) Handle {
	return c.onConnState.Add(fn)
}

// RemoveConnectionStateChangedListener unregisters a listener added via OnConnectionStateChanged.
func (c *Client) RemoveConnectionStateChangedListener(h Handle) { c.onConnState.Remove(h) }

func wrapDBErr(err error, detail string) error {
	if err == nil {
		return nil
	}
	return NewError(KindDatabaseError, detail, err)
}

func wrapNetErr(err error, detail string) error {
	if err == nil {
		return nil
	}
	return NewError(KindNetworkError, detail, err)
}

func toPublicMessage(row store.MessageRow) Message {
	m := Message{
		MessageID:        row.MessageID,
		ServerMsgID:      row.ServerMsgID,
		Seq:              row.Seq,
		ConversationID:   row.ConversationID,
		SenderID:         row.SenderID,
		ReceiverID:       row.ReceiverID,
		ConversationType: ConversationType(row.ConversationType),
		MessageType:      MessageType(row.MessageType),
		Content:          row.Content,
		CreateTime:       row.CreateTime,
		ServerTime:       row.ServerTime,
		Status:           MessageStatus(row.Status),
		Direction:        Direction(row.Direction),
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
		if codec.Unmarshal([]byte(row.QuoteJSON), &q) == nil {
			m.Quote = &Quote{
				MessageID:      q.MessageID,
				SenderID:       q.SenderID,
				ContentSummary: q.ContentSummary,
				MessageType:    MessageType(q.MessageType),
			}
		}
	}
	return m
}
