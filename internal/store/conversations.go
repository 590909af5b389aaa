package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// LatestMessageRow is the denormalized preview embedded in a ConversationRow.
type LatestMessageRow struct {
	MessageID   string `json:"message_id"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
	SenderID    string `json:"sender_id"`
	Time        int64  `json:"time"`
	Status      string `json:"status"`
}

// DraftRow is the opaque composing-state attached to a conversation.
type DraftRow struct {
	Text            string   `json:"text"`
	AtUserIDs       []string `json:"at_user_ids"`
	QuoteMessageID  string   `json:"quote_message_id"`
	AttachmentPaths []string `json:"attachment_paths"`
}

// ConversationRow is the local-store representation of a Conversation.
type ConversationRow struct {
	ConversationID   string
	ConversationType string
	TargetID         string
	ShowName         string
	FaceURL          string
	UnreadCount      int
	LastReadTime     int64
	LatestMessage    *LatestMessageRow
	LastMessageTime  int64
	IsPinned         bool
	IsMuted          bool
	Draft            *DraftRow
	AtMe             bool
	AtMeMessageID    string
	CreateTime       int64
	UpdateTime       int64
}

const conversationColumns = `conversation_id, conversation_type, target_id, show_name, face_url,
	unread_count, last_read_time, latest_message_json, last_message_time,
	is_pinned, is_muted, draft_json, at_me, at_me_message_id, create_time, update_time`

func scanConversationRow(scan func(dest ...any) error) (ConversationRow, error) {
	var (
		c                        ConversationRow
		isPinned, isMuted, atMe  int
		latestJSON, draftJSON    string
	)
	err := scan(
		&c.ConversationID, &c.ConversationType, &c.TargetID, &c.ShowName, &c.FaceURL,
		&c.UnreadCount, &c.LastReadTime, &latestJSON, &c.LastMessageTime,
		&isPinned, &isMuted, &draftJSON, &atMe, &c.AtMeMessageID, &c.CreateTime, &c.UpdateTime,
	)
	if err != nil {
		return ConversationRow{}, err
	}
	c.IsPinned = isPinned != 0
	c.IsMuted = isMuted != 0
	c.AtMe = atMe != 0
	if latestJSON != "" {
		var lm LatestMessageRow
		if json.Unmarshal([]byte(latestJSON), &lm) == nil {
			c.LatestMessage = &lm
		}
	}
	if draftJSON != "" {
		var d DraftRow
		if json.Unmarshal([]byte(draftJSON), &d) == nil {
			c.Draft = &d
		}
	}
	return c, nil
}

// UpsertConversation creates the conversation row if absent, leaving
// existing mutable fields (unread, pin, mute, draft, latest message)
// untouched on a re-upsert of an existing row's identity fields.
func (s *Store) UpsertConversation(ctx context.Context, c ConversationRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			show_name = excluded.show_name,
			face_url = excluded.face_url,
			target_id = excluded.target_id,
			conversation_type = excluded.conversation_type,
			update_time = excluded.update_time`,
		c.ConversationID, c.ConversationType, c.TargetID, c.ShowName, c.FaceURL,
		c.UnreadCount, c.LastReadTime, marshalLatest(c.LatestMessage), c.LastMessageTime,
		boolToInt(c.IsPinned), boolToInt(c.IsMuted), marshalDraft(c.Draft), boolToInt(c.AtMe),
		c.AtMeMessageID, c.CreateTime, c.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func marshalLatest(lm *LatestMessageRow) string {
	if lm == nil {
		return ""
	}
	return marshalOr(lm, "")
}

func marshalDraft(d *DraftRow) string {
	if d == nil {
		return ""
	}
	return marshalOr(d, "")
}

// GetConversation returns one conversation by id, or sql.ErrNoRows if absent.
func (s *Store) GetConversation(ctx context.Context, id string) (ConversationRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE conversation_id = ?`, id)
	return scanConversationRow(row.Scan)
}

// ListConversations returns every conversation ordered pinned-first, then by
// recency — the order required by the client's conversation list UI.
func (s *Store) ListConversations(ctx context.Context) ([]ConversationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY is_pinned DESC, last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []ConversationRow
	for rows.Next() {
		c, err := scanConversationRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateLatestMessage atomically advances a conversation's latest_message
// and last_message_time iff msgTime exceeds the current last_message_time,
// per the Conversation invariant in spec §3.
func (s *Store) UpdateLatestMessage(ctx context.Context, conversationID string, lm LatestMessageRow, msgTime int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET latest_message_json = ?, last_message_time = ?, update_time = ?
		WHERE conversation_id = ? AND ? > last_message_time`,
		marshalOr(lm, ""), msgTime, msgTime, conversationID, msgTime)
	if err != nil {
		return fmt.Errorf("update latest message: %w", err)
	}
	return nil
}

// IncrementUnread adds by to a conversation's unread_count (spec §4.7.5).
func (s *Store) IncrementUnread(ctx context.Context, conversationID string, by int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = unread_count + ? WHERE conversation_id = ?`,
		by, conversationID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// ClearUnread zeroes a conversation's unread_count and advances
// last_read_time to now.
func (s *Store) ClearUnread(ctx context.Context, conversationID string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET unread_count = 0, last_read_time = ? WHERE conversation_id = ? AND last_read_time < ?`,
		now, conversationID, now)
	if err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

// GetUnread returns a single conversation's unread_count.
func (s *Store) GetUnread(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT unread_count FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread: %w", err)
	}
	return n, nil
}

// TotalUnread returns the sum of unread_count across non-muted
// conversations (spec §4.7.5 / §8 "Unread non-negativity and totals").
func (s *Store) TotalUnread(ctx context.Context) (int, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(unread_count) FROM conversations WHERE is_muted = 0`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total unread: %w", err)
	}
	return int(total.Int64), nil
}

// SetMuted toggles a conversation's mute flag. Mutating mute never touches
// per-conversation counts, only their contribution to TotalUnread.
func (s *Store) SetMuted(ctx context.Context, conversationID string, muted bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET is_muted = ? WHERE conversation_id = ?`, boolToInt(muted), conversationID)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}

// SetPinned toggles a conversation's pinned flag.
func (s *Store) SetPinned(ctx context.Context, conversationID string, pinned bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET is_pinned = ? WHERE conversation_id = ?`, boolToInt(pinned), conversationID)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	return nil
}

// SaveDraft persists a conversation's composing state.
func (s *Store) SaveDraft(ctx context.Context, conversationID string, d DraftRow) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET draft_json = ? WHERE conversation_id = ?`, marshalOr(d, ""), conversationID)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

// GetLastSyncSeq reads SyncConfig.last_sync_seq for userID, 0 if no row yet.
func (s *Store) GetLastSyncSeq(ctx context.Context, userID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT last_sync_seq FROM sync_config WHERE user_id = ?`, userID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last sync seq: %w", err)
	}
	return seq, nil
}

// SetLastSyncSeq writes SyncConfig.last_sync_seq/last_sync_time for userID.
func (s *Store) SetLastSyncSeq(ctx context.Context, userID string, seq, now int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_config (user_id, last_sync_seq, last_sync_time, is_syncing)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(user_id) DO UPDATE SET last_sync_seq = excluded.last_sync_seq, last_sync_time = excluded.last_sync_time`,
		userID, seq, now)
	if err != nil {
		return fmt.Errorf("set last sync seq: %w", err)
	}
	return nil
}

// SetSyncing sets the crash-safe is_syncing flag for userID.
func (s *Store) SetSyncing(ctx context.Context, userID string, syncing bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_config (user_id, last_sync_seq, last_sync_time, is_syncing)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_syncing = excluded.is_syncing`,
		userID, boolToInt(syncing))
	if err != nil {
		return fmt.Errorf("set syncing: %w", err)
	}
	return nil
}
