package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/dbx"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// mapStorageErr translates driver-level failures into the storage error
// taxonomy. Unrecognized errors are returned wrapped but unclassified.
func mapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database or disk is full"):
		return fmt.Errorf("%s: %w", op, common.ErrStorageFull)
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"):
		return fmt.Errorf("%s: %w", op, common.ErrCorrupt)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(m int64) time.Time { return time.UnixMilli(m).UTC() }

func (r *SQLiteRepository) Append(ctx context.Context, m *Message) (string, error) {
	readBy, err := json.Marshal(m.ReadBy)
	if err != nil {
		return "", fmt.Errorf("failed to encode read_by: %w", err)
	}
	if m.State == "" {
		m.State = StatePending
	}

	query := `INSERT INTO messages
		(id, conversation_id, sender_id, ciphertext, nonce, key_id, created_at, seq_hint, state, server_position, read_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.Ciphertext, m.Nonce, m.KeyID,
		millis(m.CreatedAt), m.SeqHint, string(m.State), m.ServerPosition, string(readBy))
	if err != nil {
		return "", mapStorageErr("failed to append message", err)
	}
	return m.ID, nil
}

func (r *SQLiteRepository) MarkState(ctx context.Context, id string, state DeliveryState, serverPos *int64) error {
	var (
		res sql.Result
		err error
	)
	if serverPos != nil {
		res, err = r.db.ExecContext(ctx,
			`UPDATE messages SET state=?, server_position=? WHERE id=?`,
			string(state), *serverPos, id)
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE messages SET state=? WHERE id=?`, string(state), id)
	}
	if err != nil {
		return mapStorageErr("failed to mark state", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	return nil
}

const outboxColumns = `id, conversation_id, sender_id, ciphertext, nonce, key_id,
	created_at, seq_hint, state, server_position, read_by,
	attempt_count, last_attempt_at, claimed_at`

func (r *SQLiteRepository) PendingOutbox(ctx context.Context, conversationID string) ([]*OutboxEntry, error) {
	query := `SELECT ` + outboxColumns + ` FROM messages
		WHERE conversation_id=? AND state IN ('PENDING', 'FAILED')
		ORDER BY created_at, seq_hint`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, mapStorageErr("failed to select outbox", err)
	}
	defer rows.Close()

	var result []*OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) ClaimOutbox(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET claimed_at=? WHERE id=? AND claimed_at IS NULL`,
		millis(time.Now()), id)
	if err != nil {
		return false, mapStorageErr("failed to claim outbox entry", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return ra == 1, nil
}

func (r *SQLiteRepository) ReleaseOutbox(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE messages SET claimed_at=NULL WHERE id=?`, id)
	return mapStorageErr("failed to release outbox entry", err)
}

func (r *SQLiteRepository) ReleaseStaleClaims(ctx context.Context, olderThanMillis int64) ([]string, error) {
	cutoff := millis(time.Now()) - olderThanMillis
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM messages WHERE claimed_at IS NOT NULL AND claimed_at < ?`, cutoff)
	if err != nil {
		return nil, mapStorageErr("failed to select stale claims", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := r.ReleaseOutbox(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r *SQLiteRepository) RecordAttempt(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET attempt_count=attempt_count+1, last_attempt_at=? WHERE id=?`,
		millis(time.Now()), id)
	return mapStorageErr("failed to record attempt", err)
}

func (r *SQLiteRepository) ResetAttempts(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET attempt_count=0, last_attempt_at=NULL, claimed_at=NULL, state=?
		 WHERE id=? AND state=?`,
		string(StatePending), id, string(StateFailed))
	if err != nil {
		return mapStorageErr("failed to reset attempts", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("failed message %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) Timeline(ctx context.Context, conversationID string, afterCursor int64) ([]*Message, error) {
	// Positioned messages first in relay order, then provisional local
	// entries in creation order.
	query := `SELECT id, conversation_id, sender_id, ciphertext, nonce, key_id,
			created_at, seq_hint, state, server_position, read_by
		FROM messages
		WHERE conversation_id=?
		  AND (server_position IS NULL OR server_position > ?)
		ORDER BY server_position IS NULL, server_position, created_at, seq_hint`
	rows, err := r.db.QueryContext(ctx, query, conversationID, afterCursor)
	if err != nil {
		return nil, mapStorageErr("failed to select timeline", err)
	}
	defer rows.Close()

	var result []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Message, error) {
	query := `SELECT id, conversation_id, sender_id, ciphertext, nonce, key_id,
			created_at, seq_hint, state, server_position, read_by
		FROM messages WHERE id=?`
	row := r.db.QueryRowContext(ctx, query, id)
	m, err := scanMessageRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (r *SQLiteRepository) HasMessage(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE id=?`, id).Scan(&n)
	if err != nil {
		return false, mapStorageErr("failed to check message existence", err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) AttachPosition(ctx context.Context, id string, pos int64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET server_position=?, state=? WHERE id=?`,
		pos, string(StateAcknowledged), id)
	if err != nil {
		return mapStorageErr("failed to attach position", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return fmt.Errorf("message %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) Positions(ctx context.Context, conversationID string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT server_position FROM messages
		 WHERE conversation_id=? AND server_position IS NOT NULL
		 ORDER BY server_position`, conversationID)
	if err != nil {
		return nil, mapStorageErr("failed to select positions", err)
	}
	defer rows.Close()

	var positions []int64
	for rows.Next() {
		var p int64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

func (r *SQLiteRepository) MarkRead(ctx context.Context, id string, userID string) error {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	for _, u := range m.ReadBy {
		if u == userID {
			return nil
		}
	}
	readBy, err := json.Marshal(append(m.ReadBy, userID))
	if err != nil {
		return fmt.Errorf("failed to encode read_by: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE messages SET read_by=? WHERE id=?`, string(readBy), id)
	return mapStorageErr("failed to mark read", err)
}

func (r *SQLiteRepository) Cursor(ctx context.Context, conversationID string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor FROM conversations WHERE id=?`, conversationID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conversation %s: %w", conversationID, common.ErrNotFound)
	}
	if err != nil {
		return 0, mapStorageErr("failed to get cursor", err)
	}
	return cursor, nil
}

func (r *SQLiteRepository) AdvanceCursor(ctx context.Context, conversationID string, pos int64) error {
	// The cursor only moves forward; a stale advance is a no-op.
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET cursor=? WHERE id=? AND cursor < ?`,
		pos, conversationID, pos)
	return mapStorageErr("failed to advance cursor", err)
}

func (r *SQLiteRepository) CreateConversation(ctx context.Context, c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO conversations (id, participants, session_key_id, cursor)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		c.ID, string(participants), c.SessionKeyID, c.Cursor)
	return mapStorageErr("failed to create conversation", err)
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, participants, session_key_id, cursor FROM conversations WHERE id=?`, id)

	c := &Conversation{}
	var participants string
	err := row.Scan(&c.ID, &participants, &c.SessionKeyID, &c.Cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, mapStorageErr("failed to get conversation", err)
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("failed to decode participants: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participants, session_key_id, cursor FROM conversations ORDER BY id`)
	if err != nil {
		return nil, mapStorageErr("failed to list conversations", err)
	}
	defer rows.Close()

	var result []*Conversation
	for rows.Next() {
		c := &Conversation{}
		var participants string
		if err := rows.Scan(&c.ID, &participants, &c.SessionKeyID, &c.Cursor); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
			return nil, fmt.Errorf("failed to decode participants: %w", err)
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SQLiteRepository) SetSessionKeyID(ctx context.Context, conversationID, keyID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET session_key_id=? WHERE id=?`, keyID, conversationID)
	return mapStorageErr("failed to set session key id", err)
}

func (r *SQLiteRepository) SetParticipants(ctx context.Context, conversationID string, participants []string) error {
	encoded, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("failed to encode participants: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET participants=? WHERE id=?`, string(encoded), conversationID)
	return mapStorageErr("failed to set participants", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	m := &Message{}
	var (
		createdAt int64
		state     string
		pos       sql.NullInt64
		readBy    string
	)
	err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Ciphertext, &m.Nonce,
		&m.KeyID, &createdAt, &m.SeqHint, &state, &pos, &readBy)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromMillis(createdAt)
	m.State = DeliveryState(state)
	if pos.Valid {
		p := pos.Int64
		m.ServerPosition = &p
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to decode read_by: %w", err)
	}
	return m, nil
}

func scanMessageRow(row *sql.Row) (*Message, error) {
	return scanMessage(row)
}

func scanOutboxEntry(s rowScanner) (*OutboxEntry, error) {
	e := &OutboxEntry{}
	var (
		createdAt     int64
		state         string
		pos           sql.NullInt64
		readBy        string
		lastAttemptAt sql.NullInt64
		claimedAt     sql.NullInt64
	)
	err := s.Scan(&e.ID, &e.ConversationID, &e.SenderID, &e.Ciphertext, &e.Nonce,
		&e.KeyID, &createdAt, &e.SeqHint, &state, &pos, &readBy,
		&e.AttemptCount, &lastAttemptAt, &claimedAt)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = fromMillis(createdAt)
	e.State = DeliveryState(state)
	if pos.Valid {
		p := pos.Int64
		e.ServerPosition = &p
	}
	if err := json.Unmarshal([]byte(readBy), &e.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to decode read_by: %w", err)
	}
	if lastAttemptAt.Valid {
		ts := fromMillis(lastAttemptAt.Int64)
		e.LastAttemptAt = &ts
	}
	if claimedAt.Valid {
		ts := fromMillis(claimedAt.Int64)
		e.ClaimedAt = &ts
	}
	return e, nil
}
