package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RoomRepository persists rooms. Implementations must make Insert and
// Update atomic per room.
type RoomRepository interface {
	// Insert stores room unless a room with the same id exists, in which
	// case the stored room is returned with created=false.
	Insert(ctx context.Context, room ChatRoom) (stored ChatRoom, created bool, err error)
	Get(ctx context.Context, roomID string) (ChatRoom, error)
	ListForUser(ctx context.Context, userID string) ([]ChatRoom, error)
	// Update applies fn to the stored room and saves the result.
	Update(ctx context.Context, roomID string, fn func(*ChatRoom)) (ChatRoom, error)
}

// MessageRepository persists per-room message logs in append order.
type MessageRepository interface {
	Append(ctx context.Context, roomID string, m Message) error
	List(ctx context.Context, roomID string) ([]Message, error)
	Get(ctx context.Context, roomID, messageID string) (Message, error)
	// SetStatus moves a message to status `to`. It returns the message as it
	// was before the change, or ErrInvalidTransition when the move is not
	// forward from the stored status.
	SetStatus(ctx context.Context, roomID, messageID string, to MessageStatus) (Message, error)
	Delete(ctx context.Context, roomID, messageID string) (Message, bool, error)
	// Search returns messages whose content contains query (case-insensitive),
	// in any order. roomID == "" searches every room.
	Search(ctx context.Context, query, roomID string) ([]Message, error)
}

// ---------------------------------------------
// 🐘 PostgreSQL
// ---------------------------------------------

type PostgresRoomRepository struct {
	db *sql.DB
}

func NewPostgresRoomRepository(db *sql.DB) *PostgresRoomRepository {
	return &PostgresRoomRepository{db: db}
}

const roomColumns = `id, job_id, job_title, client_id, client_name, engineer_id, engineer_name,
	last_message_id, unread, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (ChatRoom, error) {
	var (
		r      ChatRoom
		last   sql.NullString
		unread []byte
	)
	err := row.Scan(&r.ID, &r.JobID, &r.JobTitle,
		&r.Participants.ClientID, &r.Participants.ClientName,
		&r.Participants.EngineerID, &r.Participants.EngineerName,
		&last, &unread, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return ChatRoom{}, err
	}
	r.LastMessageID = last.String
	r.Unread = map[string]uint{}
	if len(unread) > 0 {
		if err := json.Unmarshal(unread, &r.Unread); err != nil {
			return ChatRoom{}, fmt.Errorf("decode unread counts: %w", err)
		}
	}
	return r, nil
}

func (r *PostgresRoomRepository) Insert(ctx context.Context, room ChatRoom) (ChatRoom, bool, error) {
	unread, err := json.Marshal(room.Unread)
	if err != nil {
		return ChatRoom{}, false, err
	}
	query := `
		INSERT INTO chat_rooms (id, job_id, job_title, client_id, client_name, engineer_id, engineer_name,
			last_message_id, unread, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, room.ID, room.JobID, room.JobTitle,
		room.Participants.ClientID, room.Participants.ClientName,
		room.Participants.EngineerID, room.Participants.EngineerName,
		unread, room.IsActive, room.CreatedAt, room.UpdatedAt)
	if err != nil {
		return ChatRoom{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ChatRoom{}, false, err
	}
	if n == 1 {
		return room.clone(), true, nil
	}
	stored, err := r.Get(ctx, room.ID)
	return stored, false, err
}

func (r *PostgresRoomRepository) Get(ctx context.Context, roomID string) (ChatRoom, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1`, roomID)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRoom{}, ErrRoomNotFound
	}
	return room, err
}

func (r *PostgresRoomRepository) ListForUser(ctx context.Context, userID string) ([]ChatRoom, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM chat_rooms WHERE client_id = $1 OR engineer_id = $1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []ChatRoom
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (r *PostgresRoomRepository) Update(ctx context.Context, roomID string, fn func(*ChatRoom)) (ChatRoom, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatRoom{}, err
	}
	defer tx.Rollback()

	// Lock the row so concurrent updates of the same room queue up.
	room, err := scanRoom(tx.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM chat_rooms WHERE id = $1 FOR UPDATE`, roomID))
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRoom{}, ErrRoomNotFound
	}
	if err != nil {
		return ChatRoom{}, err
	}

	fn(&room)

	unread, err := json.Marshal(room.Unread)
	if err != nil {
		return ChatRoom{}, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chat_rooms
		SET job_title = $2, last_message_id = NULLIF($3, ''), unread = $4, is_active = $5, updated_at = $6
		WHERE id = $1`,
		roomID, room.JobTitle, room.LastMessageID, unread, room.IsActive, room.UpdatedAt)
	if err != nil {
		return ChatRoom{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChatRoom{}, err
	}
	return room, nil
}

type PostgresMessageRepository struct {
	db *sql.DB
}

func NewPostgresMessageRepository(db *sql.DB) *PostgresMessageRepository {
	return &PostgresMessageRepository{db: db}
}

const messageColumns = `id, room_id, sender_id, sender_name, sender_type, content, sent_at, type, status, metadata`

func scanMessage(row rowScanner) (Message, error) {
	var (
		m  Message
		md []byte
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.SenderType,
		&m.Content, &m.Timestamp, &m.Type, &m.Status, &md); err != nil {
		return Message{}, err
	}
	meta, err := DecodeMetadata(m.Type, md)
	if err != nil {
		return Message{}, err
	}
	m.Metadata = meta
	return m, nil
}

func (r *PostgresMessageRepository) Append(ctx context.Context, roomID string, m Message) error {
	var md []byte
	if m.Metadata != nil {
		var err error
		if md, err = json.Marshal(m.Metadata); err != nil {
			return err
		}
	}
	// seq is a BIGSERIAL; it carries append order independent of the clock.
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, room_id, sender_id, sender_name, sender_type, content, sent_at, type, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, roomID, m.SenderID, m.SenderName, m.SenderType, m.Content, m.Timestamp, m.Type, m.Status, md)
	return err
}

func (r *PostgresMessageRepository) List(ctx context.Context, roomID string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = $1 ORDER BY seq ASC`, roomID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepository) Get(ctx context.Context, roomID, messageID string) (Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = $1 AND id = $2`, roomID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	return m, err
}

func (r *PostgresMessageRepository) SetStatus(ctx context.Context, roomID, messageID string, to MessageStatus) (Message, error) {
	from := allowedFrom(to)
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	prev, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE room_id = $1 AND id = $2 FOR UPDATE`, roomID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, err
	}
	if !CanTransition(prev.Status, to) {
		return prev, ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chat_messages SET status = $3 WHERE room_id = $1 AND id = $2 AND status = ANY($4)`,
		roomID, messageID, to, allowed)
	if err != nil {
		return Message{}, err
	}
	return prev, tx.Commit()
}

func (r *PostgresMessageRepository) Delete(ctx context.Context, roomID, messageID string) (Message, bool, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
		DELETE FROM chat_messages WHERE room_id = $1 AND id = $2
		RETURNING `+messageColumns, roomID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

func (r *PostgresMessageRepository) Search(ctx context.Context, query, roomID string) ([]Message, error) {
	pattern := "%" + escapeLike(query) + "%"
	q := `SELECT ` + messageColumns + ` FROM chat_messages WHERE content ILIKE $1`
	args := []any{pattern}
	if roomID != "" {
		q += ` AND room_id = $2`
		args = append(args, roomID)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
