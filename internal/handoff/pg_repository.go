package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const conversationCols = `id, session_id, user_id, type, state, operator_id, created_at, handoff_at, closed_at, last_activity_at`

const messageCols = `id, conversation_id, sender_role, sender_id, sender_name, content, created_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.SessionID,
		&c.UserID,
		&c.Type,
		&c.State,
		&c.OperatorID,
		&c.CreatedAt,
		&c.HandoffAt,
		&c.ClosedAt,
		&c.LastActivityAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Role,
		&m.SenderID,
		&m.SenderName,
		&m.Content,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectConversations(rows pgx.Rows) ([]Conversation, error) {
	defer rows.Close()

	var result []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func insertNote(ctx context.Context, tx pgx.Tx, conversationID int64, note MessageDraft) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (conversation_id, sender_role, sender_id, sender_name, content, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, conversationID, string(note.Role), note.SenderID, note.SenderName, note.Content)
	if err != nil {
		return fmt.Errorf("insert system message: %w", err)
	}
	return nil
}

// transition runs a conditional UPDATE ... RETURNING and records note in the
// same transaction.
func (r *PgRepository) transition(ctx context.Context, op string, id int64, note MessageDraft, query string, args ...any) (*Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if note.Content != "" {
		if err := insertNote(ctx, tx, id, note); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", op, err)
	}
	return conv, nil
}

func (r *PgRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE id = $1
	`, id))
}

func (r *PgRepository) FindOpenBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	return scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE session_id = $1 AND state <> 'CLOSED'
		ORDER BY id DESC
		LIMIT 1
	`, sessionID))
}

func (r *PgRepository) FindOpenByUser(ctx context.Context, userID string) (*Conversation, error) {
	return scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE user_id = $1 AND state <> 'CLOSED'
		ORDER BY id DESC
		LIMIT 1
	`, userID))
}

func (r *PgRepository) CreateWaiting(ctx context.Context, sessionID string, userID *string, note MessageDraft) (*Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback(ctx)

	conv, err := scanConversation(tx.QueryRow(ctx, `
		INSERT INTO conversations (session_id, user_id, type, state, created_at, handoff_at, last_activity_at)
		VALUES ($1, $2, 'LIVE', 'WAITING_FOR_OPERATOR', now(), now(), now())
		RETURNING `+conversationCols, sessionID, userID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrStateConflict
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	if note.Content != "" {
		if err := insertNote(ctx, tx, conv.ID, note); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create conversation: %w", err)
	}
	return conv, nil
}

func (r *PgRepository) MarkWaiting(ctx context.Context, id int64, note MessageDraft) (*Conversation, error) {
	return r.transition(ctx, "mark waiting", id, note, `
		UPDATE conversations
		SET state = 'WAITING_FOR_OPERATOR',
		    type = 'LIVE',
		    handoff_at = now(),
		    last_activity_at = now()
		WHERE id = $1
		  AND state = 'ACTIVE'
		RETURNING `+conversationCols, id)
}

func (r *PgRepository) Claim(ctx context.Context, id int64, operatorID string, note MessageDraft) (*Conversation, error) {
	return r.transition(ctx, "claim", id, note, `
		UPDATE conversations
		SET state = 'ASSIGNED',
		    operator_id = $2,
		    last_activity_at = now()
		WHERE id = $1
		  AND state = 'WAITING_FOR_OPERATOR'
		RETURNING `+conversationCols, id, operatorID)
}

func (r *PgRepository) ReturnToBot(ctx context.Context, id int64, note MessageDraft) (*Conversation, error) {
	return r.transition(ctx, "return to bot", id, note, `
		UPDATE conversations
		SET state = 'ACTIVE',
		    last_activity_at = now()
		WHERE id = $1
		  AND state = 'WAITING_FOR_OPERATOR'
		RETURNING `+conversationCols, id)
}

func (r *PgRepository) Close(ctx context.Context, id int64, from []State, note MessageDraft) (*Conversation, error) {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}
	return r.transition(ctx, "close", id, note, `
		UPDATE conversations
		SET state = 'CLOSED',
		    closed_at = now(),
		    last_activity_at = now()
		WHERE id = $1
		  AND state = ANY($2)
		RETURNING `+conversationCols, id, fromStrs)
}

// QueuePosition is 1 + the number of waiting conversations created before id,
// or 0 when id is not waiting.
func (r *PgRepository) QueuePosition(ctx context.Context, id int64) (int, error) {
	var pos int
	err := r.db.QueryRow(ctx, `
		SELECT CASE
			WHEN EXISTS (SELECT 1 FROM conversations WHERE id = $1 AND state = 'WAITING_FOR_OPERATOR')
			THEN (SELECT COUNT(*) FROM conversations WHERE state = 'WAITING_FOR_OPERATOR' AND id < $1) + 1
			ELSE 0
		END
	`, id).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return pos, nil
}

func (r *PgRepository) ListWaiting(ctx context.Context) ([]Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE state = 'WAITING_FOR_OPERATOR'
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	return collectConversations(rows)
}

func (r *PgRepository) ListIdle(ctx context.Context, before time.Time) ([]Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE state IN ('ACTIVE', 'WAITING_FOR_OPERATOR')
		  AND last_activity_at < $1
		ORDER BY id ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list idle: %w", err)
	}
	return collectConversations(rows)
}

func (r *PgRepository) ListAssignedTo(ctx context.Context, operatorID string) ([]Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE state = 'ASSIGNED' AND operator_id = $1
		ORDER BY id ASC
	`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("list assigned: %w", err)
	}
	return collectConversations(rows)
}

func (r *PgRepository) AppendMessage(ctx context.Context, msg MessageDraft) (*Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx, `
		WITH touched AS (
			UPDATE conversations
			SET last_activity_at = now()
			WHERE id = $1 AND state <> 'CLOSED'
			RETURNING id
		)
		INSERT INTO messages (conversation_id, sender_role, sender_id, sender_name, content, created_at)
		SELECT id, $2, $3, $4, $5, now() FROM touched
		RETURNING `+messageCols,
		msg.ConversationID, string(msg.Role), msg.SenderID, msg.SenderName, msg.Content))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationClosed
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *PgRepository) ListMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+messageCols+`
		FROM (
			SELECT `+messageCols+`
			FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) GetOperator(ctx context.Context, id string) (*Operator, error) {
	var op Operator
	err := r.db.QueryRow(ctx, `
		SELECT id, name, active FROM operators WHERE id = $1
	`, id).Scan(&op.ID, &op.Name, &op.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("load operator: %w", err)
	}
	return &op, nil
}

func (r *PgRepository) GetUserName(ctx context.Context, id string) (string, error) {
	var name string
	err := r.db.QueryRow(ctx, `SELECT name FROM chat_users WHERE id = $1`, id).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	return name, nil
}
