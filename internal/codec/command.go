// Package codec implements the wire-level packet framing (TCP and
// WebSocket) and the typed protocol bodies carried inside each frame.
package codec

// Command identifies the body type carried by a frame, shared by both the
// TCP and WebSocket transports.
type Command uint16

const (
	CommandAuthReq Command = iota + 1
	CommandAuthRsp
	CommandHeartbeatReq
	CommandHeartbeatRsp
	CommandSendMsgReq
	CommandSendMsgRsp
	CommandPushMsg
	CommandBatchMsg
	CommandRevokeMsgReq
	CommandRevokeMsgPush
	CommandReadReceiptReq
	CommandReadReceiptPush
	CommandTypingStatusPush
	CommandKickOut
	CommandSyncReq
	CommandSyncRsp
	CommandDeliveryAck
)

// pushCommands are the commands subject to TCP gap detection: server-push
// streams carrying a dense, correlated sequence. Request/response and
// heartbeat traffic is excluded per spec §4.1.
var pushCommands = map[Command]bool{
	CommandPushMsg:          true,
	CommandBatchMsg:         true,
	CommandRevokeMsgPush:    true,
	CommandReadReceiptPush:  true,
	CommandTypingStatusPush: true,
}

// IsGapTracked reports whether c participates in TCP sequence-gap detection.
func IsGapTracked(c Command) bool { return pushCommands[c] }
