package codec

import "encoding/json"

// The protocol codec is schema-first JSON, the dominant wire-body idiom
// across the retrieved pack (teacher's ControlMsg, webitel-im's registry
// connect message, syncthing's protocol messages). Each command has its own
// typed body; Marshal/Unmarshal below are the encode/decode half of the
// "typed encode/decode for each command body" contract in spec §4.2.

// AuthReq is the body of CommandAuthReq.
type AuthReq struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// AuthRsp is the body of CommandAuthRsp.
type AuthRsp struct {
	ErrorCode   int    `json:"error_code"`
	ErrorMsg    string `json:"error_msg,omitempty"`
	ServerMaxSeq int64 `json:"server_max_seq"`
}

// HeartbeatReq is the body of CommandHeartbeatReq.
type HeartbeatReq struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatRsp is the body of CommandHeartbeatRsp.
type HeartbeatRsp struct {
	ServerTime int64 `json:"server_time"`
}

// WireMessage is the full Message representation as it travels on the wire,
// shared by send_msg_req (minus server fields), push_msg (with them), and
// sync_rsp's messages array.
type WireMessage struct {
	MessageID        string   `json:"message_id"`
	ServerMsgID      string   `json:"server_msg_id,omitempty"`
	Seq              int64    `json:"seq,omitempty"`
	ConversationID   string   `json:"conversation_id"`
	SenderID         string   `json:"sender_id"`
	ReceiverID       string   `json:"receiver_id"`
	ConversationType string   `json:"conversation_type"`
	MessageType      string   `json:"message_type"`
	Content          string   `json:"content"`
	CreateTime       int64    `json:"create_time"`
	ServerTime       int64    `json:"server_time,omitempty"`
	Status           string   `json:"status,omitempty"`
	IsRead           bool     `json:"is_read,omitempty"`
	IsDeleted        bool     `json:"is_deleted,omitempty"`
	IsRevoked        bool     `json:"is_revoked,omitempty"`
	RevokedBy        string   `json:"revoked_by,omitempty"`
	RevokedTime      int64    `json:"revoked_time,omitempty"`
	AtUserIDs        []string `json:"at_user_ids,omitempty"`
	AtAll            bool     `json:"at_all,omitempty"`
	ReadBy           []string `json:"read_by,omitempty"`
	Quote            *Quote   `json:"quote,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// Quote mirrors Message.quote.
type Quote struct {
	MessageID     string `json:"message_id"`
	SenderID      string `json:"sender_id"`
	ContentSummary string `json:"content_summary"`
	MessageType   string `json:"message_type"`
}

// SendMsgRsp is the body of CommandSendMsgRsp.
type SendMsgRsp struct {
	ErrorCode   int    `json:"error_code"`
	ErrorMsg    string `json:"error_msg,omitempty"`
	MessageID   string `json:"message_id"`
	ServerMsgID string `json:"server_msg_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
	ServerTime  int64  `json:"server_time,omitempty"`
}

// BatchMsg is the body of CommandBatchMsg: an array of push_msg payloads.
type BatchMsg struct {
	Messages []WireMessage `json:"messages"`
}

// SyncReq is the body of CommandSyncReq.
type SyncReq struct {
	LastSeq int64 `json:"last_seq"`
	Count   int   `json:"count"`
}

// SyncRsp is the body of CommandSyncRsp.
type SyncRsp struct {
	Messages     []WireMessage `json:"messages"`
	ServerMaxSeq int64         `json:"server_max_seq"`
	HasMore      bool          `json:"has_more"`
	TotalCount   int           `json:"total_count"`
}

// RevokeMsgPush is the body of CommandRevokeMsgPush.
type RevokeMsgPush struct {
	MessageID  string `json:"message_id"`
	RevokerID  string `json:"revoker_id"`
	RevokeTime int64  `json:"revoke_time"`
}

// ReadReceiptReq is the body of CommandReadReceiptReq: the local user has
// read up through every message in a conversation.
type ReadReceiptReq struct {
	ConversationID string `json:"conversation_id"`
}

// DeliveryAck is the body of CommandDeliveryAck: confirms a pushed message
// reached the device, distinct from a ReadReceiptReq marking it read.
type DeliveryAck struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	DeliverTime    int64  `json:"deliver_time"`
}

// ReadReceiptPush is the body of CommandReadReceiptPush.
type ReadReceiptPush struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
	ReaderID       string   `json:"reader_id"`
	ReadTime       int64    `json:"read_time"`
}

// TypingStatusPush is the body of CommandTypingStatusPush, both directions.
type TypingStatusPush struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"` // "start" | "stop"
	Timestamp      int64  `json:"timestamp"`
}

// KickOut is the body of CommandKickOut.
type KickOut struct {
	ReasonCode int    `json:"reason_code"` // 1=other_device_login, 2=account_abnormal
	Message    string `json:"message"`
}

// Marshal encodes a typed command body to its wire representation.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes a frame body into a typed command body.
func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
