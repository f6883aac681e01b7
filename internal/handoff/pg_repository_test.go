package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var convColumns = []string{"id", "session_id", "user_id", "type", "state", "operator_id", "created_at", "handoff_at", "closed_at", "last_activity_at"}

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func TestClaimIsConditionalOnWaiting(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	op := "op-1"
	note := systemNote(7, "Ana joined the conversation.")

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE conversations\s+SET state = 'ASSIGNED'.*AND state = 'WAITING_FOR_OPERATOR'`).
		WithArgs(int64(7), "op-1").
		WillReturnRows(pgxmock.NewRows(convColumns).
			AddRow(int64(7), "s-1", (*string)(nil), TypeLive, StateAssigned, &op, now, &now, (*time.Time)(nil), now))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(int64(7), "SYSTEM", pgxmock.AnyArg(), "System", "Ana joined the conversation.").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	conv, err := repo.Claim(context.Background(), 7, "op-1", note)

	require.NoError(t, err)
	assert.Equal(t, StateAssigned, conv.State)
	assert.Equal(t, "op-1", *conv.OperatorID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimLostRaceIsStateConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE conversations").
		WithArgs(int64(7), "op-2").
		WillReturnRows(pgxmock.NewRows(convColumns))
	mock.ExpectRollback()

	_, err := repo.Claim(context.Background(), 7, "op-2", systemNote(7, "Luis joined the conversation."))

	assert.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueuePositionCountsEarlierWaiting(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`COUNT\(\*\) FROM conversations WHERE state = 'WAITING_FOR_OPERATOR' AND id < \$1`).
		WithArgs(int64(12)).
		WillReturnRows(pgxmock.NewRows([]string{"case"}).AddRow(4))

	pos, err := repo.QueuePosition(context.Background(), 12)

	require.NoError(t, err)
	assert.Equal(t, 4, pos)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageToClosedConversation(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`WITH touched AS`).
		WithArgs(int64(3), "USER", pgxmock.AnyArg(), "Patient", "hi").
		WillReturnRows(pgxmock.NewRows([]string{"id", "conversation_id", "sender_role", "sender_id", "sender_name", "content", "created_at"}))

	_, err := repo.AppendMessage(context.Background(), MessageDraft{
		ConversationID: 3,
		Role:           RoleUser,
		SenderName:     "Patient",
		Content:        "hi",
	})

	assert.ErrorIs(t, err, ErrConversationClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseUsesExpectedStates(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`state = ANY\(\$2\)`).
		WithArgs(int64(5), []string{"ACTIVE", "WAITING_FOR_OPERATOR"}).
		WillReturnRows(pgxmock.NewRows(convColumns))
	mock.ExpectRollback()

	_, err := repo.Close(context.Background(), 5, []State{StateActive, StateWaiting}, systemNote(5, "idle"))

	assert.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWaitingDuplicateOpenSessionIsStateConflict(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO conversations").
		WithArgs("s-1", (*string)(nil)).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "conversations_session_open_key"})
	mock.ExpectRollback()

	_, err := repo.CreateWaiting(context.Background(), "s-1", nil, systemNote(0, "Patient asked to talk to an operator."))

	assert.ErrorIs(t, err, ErrStateConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAssignedToFiltersByOperator(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()
	op := "op-1"

	mock.ExpectQuery(`WHERE state = 'ASSIGNED' AND operator_id = \$1`).
		WithArgs("op-1").
		WillReturnRows(pgxmock.NewRows(convColumns).
			AddRow(int64(4), "s-4", (*string)(nil), TypeLive, StateAssigned, &op, now, &now, (*time.Time)(nil), now).
			AddRow(int64(9), "s-9", (*string)(nil), TypeLive, StateAssigned, &op, now, &now, (*time.Time)(nil), now))

	got, err := repo.ListAssignedTo(context.Background(), "op-1")

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, int64(9), got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
