package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SaveOutcome mirrors imsdk.SaveOutcome without importing the root package
// (which imports this one), per the Design Note replacing exceptions with
// explicit result types.
type SaveOutcome int

const (
	Inserted SaveOutcome = iota
	Updated
	Skipped
)

// statusRank orders the lifecycle for "advance" comparisons (spec §4.7.1).
var statusRank = map[string]int{
	"sending":   0,
	"sent":      1,
	"delivered": 2,
	"read":      3,
	"failed":    4,
}

// MessageRow is the local-store representation of a Message.
type MessageRow struct {
	MessageID        string
	ServerMsgID      string
	Seq              int64
	ConversationID   string
	SenderID         string
	ReceiverID       string
	ConversationType string
	MessageType      string
	Content          string
	CreateTime       int64
	ServerTime       int64
	Status           string
	Direction        string
	IsRead           bool
	IsDeleted        bool
	IsRevoked        bool
	RevokedBy        string
	RevokedTime      int64
	AtUserIDs        []string
	AtAll            bool
	ReadBy           []string
	QuoteJSON        string // pre-serialized; empty means no quote
	Extra            map[string]string
}

func (m MessageRow) atUserIDsJSON() string { return marshalOr(m.AtUserIDs, "[]") }
func (m MessageRow) readByJSON() string    { return marshalOr(m.ReadBy, "[]") }
func (m MessageRow) extraJSON() string     { return marshalOr(m.Extra, "{}") }

func marshalOr(v any, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}

// scanMessageRow scans one messages row, decoding the JSON-encoded columns.
func scanMessageRow(scan func(dest ...any) error) (MessageRow, error) {
	var (
		m                                   MessageRow
		isRead, isDeleted, isRevoked, atAll int
		atUserIDsJSON, readByJSON, extraJSON string
	)
	err := scan(
		&m.MessageID, &m.ServerMsgID, &m.Seq, &m.ConversationID, &m.SenderID, &m.ReceiverID,
		&m.ConversationType, &m.MessageType, &m.Content, &m.CreateTime, &m.ServerTime,
		&m.Status, &m.Direction, &isRead, &isDeleted, &isRevoked, &m.RevokedBy, &m.RevokedTime,
		&atUserIDsJSON, &atAll, &readByJSON, &m.QuoteJSON, &extraJSON,
	)
	if err != nil {
		return MessageRow{}, err
	}
	m.IsRead = isRead != 0
	m.IsDeleted = isDeleted != 0
	m.IsRevoked = isRevoked != 0
	m.AtAll = atAll != 0
	_ = json.Unmarshal([]byte(atUserIDsJSON), &m.AtUserIDs)
	_ = json.Unmarshal([]byte(readByJSON), &m.ReadBy)
	_ = json.Unmarshal([]byte(extraJSON), &m.Extra)
	return m, nil
}

const messageColumns = `message_id, server_msg_id, seq, conversation_id, sender_id, receiver_id,
	conversation_type, message_type, content, create_time, server_time,
	status, direction, is_read, is_deleted, is_revoked, revoked_by, revoked_time,
	at_user_ids_json, at_all, read_by_json, quote_json, extra_json`

// GetMessage returns one message by id, or sql.ErrNoRows if absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (MessageRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	return scanMessageRow(row.Scan)
}

// advanced reports whether next should overwrite existing per the field-level
// advance rules in spec §4.7.1: status only moves forward in the lifecycle;
// server_time/seq advance to any positive value that differs from the stored one;
// content/is_read/is_deleted/is_revoked overwrite on any difference.
// create_time, sender_id, conversation_id are immutable after insert and are
// not considered here.
func advanced(existing, next MessageRow) (merged MessageRow, changed bool) {
	merged = existing

	if statusRank[next.Status] > statusRank[existing.Status] {
		merged.Status = next.Status
		changed = true
	}
	if next.ServerTime > 0 && next.ServerTime != existing.ServerTime {
		merged.ServerTime = next.ServerTime
		changed = true
	}
	if next.Seq > 0 && next.Seq != existing.Seq {
		merged.Seq = next.Seq
		changed = true
	}
	if next.ServerMsgID != "" && next.ServerMsgID != existing.ServerMsgID {
		merged.ServerMsgID = next.ServerMsgID
		changed = true
	}
	// A revoked message is frozen: once is_revoked is set, no later
	// non-revoked row (a stale sync pull or retransmitted push) may clear
	// it or restore the original content.
	if existing.IsRevoked {
		if next.IsRead != existing.IsRead {
			merged.IsRead = next.IsRead
			changed = true
		}
		if next.IsDeleted != existing.IsDeleted {
			merged.IsDeleted = next.IsDeleted
			changed = true
		}
		if len(next.ReadBy) > len(existing.ReadBy) {
			merged.ReadBy = next.ReadBy
			changed = true
		}
		return merged, changed
	}
	if next.Content != existing.Content {
		merged.Content = next.Content
		changed = true
	}
	if next.IsRead != existing.IsRead {
		merged.IsRead = next.IsRead
		changed = true
	}
	if next.IsDeleted != existing.IsDeleted {
		merged.IsDeleted = next.IsDeleted
		changed = true
	}
	if next.IsRevoked != existing.IsRevoked {
		merged.IsRevoked = next.IsRevoked
		merged.RevokedBy = next.RevokedBy
		merged.RevokedTime = next.RevokedTime
		changed = true
	}
	if len(next.ReadBy) > len(existing.ReadBy) {
		merged.ReadBy = next.ReadBy
		changed = true
	}
	return merged, changed
}

// SaveMessage performs the dedup-merge write from spec §4.7.1: insert if
// absent, selectively update if any field advanced, or no-op.
func (s *Store) SaveMessage(ctx context.Context, m MessageRow) (SaveOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Skipped, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	outcome, err := saveMessageTx(ctx, tx, m)
	if err != nil {
		return Skipped, err
	}
	if err := tx.Commit(); err != nil {
		return Skipped, fmt.Errorf("commit: %w", err)
	}
	return outcome, nil
}

func saveMessageTx(ctx context.Context, tx *sql.Tx, m MessageRow) (SaveOutcome, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, m.MessageID)
	existing, err := scanMessageRow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.MessageID, m.ServerMsgID, m.Seq, m.ConversationID, m.SenderID, m.ReceiverID,
			m.ConversationType, m.MessageType, m.Content, m.CreateTime, m.ServerTime,
			m.Status, m.Direction, boolToInt(m.IsRead), boolToInt(m.IsDeleted), boolToInt(m.IsRevoked),
			m.RevokedBy, m.RevokedTime, m.atUserIDsJSON(), boolToInt(m.AtAll), m.readByJSON(), m.QuoteJSON, m.extraJSON(),
		); err != nil {
			return Skipped, fmt.Errorf("insert message: %w", err)
		}
		return Inserted, nil
	}
	if err != nil {
		return Skipped, fmt.Errorf("select message: %w", err)
	}

	merged, changed := advanced(existing, m)
	if !changed {
		return Skipped, nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET server_msg_id=?, seq=?, server_time=?, status=?, is_read=?, is_deleted=?, is_revoked=?,
			revoked_by=?, revoked_time=?, content=?, read_by_json=?
		WHERE message_id = ?`,
		merged.ServerMsgID, merged.Seq, merged.ServerTime, merged.Status, boolToInt(merged.IsRead), boolToInt(merged.IsDeleted),
		boolToInt(merged.IsRevoked), merged.RevokedBy, merged.RevokedTime, merged.Content, merged.readByJSON(),
		m.MessageID,
	); err != nil {
		return Skipped, fmt.Errorf("update message: %w", err)
	}
	return Updated, nil
}

// BatchStats summarizes a batch dedup-merge write (spec §4.7.2).
type BatchStats struct {
	Inserted int
	Updated  int
	Skipped  int
	Total    int
}

// DedupRate returns Skipped/Total, or 0 when Total is 0.
func (s BatchStats) DedupRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Skipped) / float64(s.Total)
}

// SaveMessages applies SaveMessage's per-row logic within a single
// transaction — the only write path the Sync Engine and batch-push handler
// may use (spec §4.7.2: 10x the single-row throughput).
func (s *Store) SaveMessages(ctx context.Context, rows []MessageRow) (BatchStats, error) {
	stats := BatchStats{Total: len(rows)}
	if len(rows) == 0 {
		return stats, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, m := range rows {
		outcome, err := saveMessageTx(ctx, tx, m)
		if err != nil {
			return stats, err
		}
		switch outcome {
		case Inserted:
			stats.Inserted++
		case Updated:
			stats.Updated++
		default:
			stats.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}
	return stats, nil
}

// GetHistory returns up to limit rows for a conversation ordered by
// create_time descending, per spec §4.7.3. beforeTime of 0 means "no
// bound" (treated as +infinity).
func (s *Store) GetHistory(ctx context.Context, conversationID string, beforeTime int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 20
	}
	if beforeTime <= 0 {
		beforeTime = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND create_time < ? AND is_deleted = 0
		ORDER BY create_time DESC LIMIT ?`, conversationID, beforeTime, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectMessageRows(rows)
}

// GetHistoryBySeq is the seq-based pagination variant: seq < beforeSeq, same
// ordering and limit semantics as GetHistory.
func (s *Store) GetHistoryBySeq(ctx context.Context, conversationID string, beforeSeq int64, limit int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 20
	}
	if beforeSeq <= 0 {
		beforeSeq = 1<<63 - 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND seq < ? AND is_deleted = 0
		ORDER BY create_time DESC LIMIT ?`, conversationID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query history by seq: %w", err)
	}
	defer rows.Close()
	return collectMessageRows(rows)
}

func collectMessageRows(rows *sql.Rows) ([]MessageRow, error) {
	var out []MessageRow
	for rows.Next() {
		m, err := scanMessageRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchFilter narrows a content search per spec §4.7.4.
type SearchFilter struct {
	ConversationID string
	MessageTypes   []string
	SenderID       string
	StartTime      int64
	EndTime        int64
	Limit          int
}

// Search performs case-insensitive substring search over content plus
// conjunctive filters, ordered by create_time descending. An empty or
// whitespace keyword yields an empty result deterministically.
func (s *Store) Search(ctx context.Context, keyword string, f SearchFilter) ([]MessageRow, error) {
	trimmed := trimSpace(keyword)
	if trimmed == "" {
		return nil, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE content LIKE ? ESCAPE '\' AND is_deleted = 0`
	args := []any{"%" + escapeLike(trimmed) + "%"}

	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.SenderID != "" {
		query += ` AND sender_id = ?`
		args = append(args, f.SenderID)
	}
	if f.StartTime > 0 {
		query += ` AND create_time >= ?`
		args = append(args, f.StartTime)
	}
	if f.EndTime > 0 {
		query += ` AND create_time <= ?`
		args = append(args, f.EndTime)
	}
	if len(f.MessageTypes) > 0 {
		placeholders := make([]string, len(f.MessageTypes))
		for i, t := range f.MessageTypes {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` AND message_type IN (` + join(placeholders, ",") + `)`
	}
	query += ` ORDER BY create_time DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	return collectMessageRows(rows)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool { return b == ' ' || b == '\t' || b == '\n' || b == '\r' }

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// MaxSeq returns the greatest seq known locally, 0 if none.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
