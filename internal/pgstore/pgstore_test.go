package pgstore

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/groupstream/internal/types"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS group_counters").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSequenceNext(t *testing.T) {
	mock := newMock(t)
	seq := NewSequence(mock)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO group_counters")).
		WithArgs("g1").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(11)))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO group_counters")).
		WithArgs("g1").
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(12)))

	first, err := seq.Next(context.Background(), "g1")
	require.NoError(t, err)
	second, err := seq.Next(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), first)
	assert.Equal(t, int64(12), second)

	_, err = seq.Next(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSequenceNextFailure(t *testing.T) {
	mock := newMock(t)
	seq := NewSequence(mock)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO group_counters")).
		WithArgs("g1").
		WillReturnError(errors.New("connection reset"))

	_, err := seq.Next(context.Background(), "g1")
	assert.ErrorContains(t, err, "allocate group seq")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageInsert(t *testing.T) {
	mock := newMock(t)
	store := NewMessageStore(mock)
	ctx := context.Background()

	seq := int64(11)
	msg := &types.Message{ID: "m1", GroupID: "g1", GroupSeq: &seq, SenderID: "u1", Role: types.RoleUser, Content: "fix the login bug"}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs("m1", "g1", &seq, "", "", "u1", types.RoleUser, "fix the login bug", false, "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Insert(ctx, msg))
	assert.False(t, msg.Timestamp.IsZero())

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	assert.ErrorIs(t, store.Insert(ctx, msg), types.ErrConflict)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	assert.ErrorIs(t, store.Insert(ctx, &types.Message{ID: "m2", GroupID: "g1", GroupSeq: &seq, Role: types.RoleUser}), types.ErrConflict)

	assert.ErrorIs(t, store.Insert(ctx, &types.Message{ID: "m3"}), types.ErrInvalidInput)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageGetNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewMessageStore(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM messages WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageSoftDeleteNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewMessageStore(mock)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE messages SET is_deleted = TRUE")).
		WithArgs("missing", pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.SoftDelete(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageListQueries(t *testing.T) {
	cases := []struct {
		name  string
		q     types.MessageQuery
		query string
		args  []any
	}{
		{
			name:  "after",
			q:     types.MessageQuery{GroupID: "g1", AfterSeq: 10, BeforeSeq: 3, Limit: 50},
			query: "AND group_seq > $3 ORDER BY group_seq ASC LIMIT $4",
			args:  []any{"g1", false, int64(10), 50},
		},
		{
			name:  "before",
			q:     types.MessageQuery{GroupID: "g1", BeforeSeq: 20, Limit: 5, IncludeDeleted: true},
			query: "AND group_seq < $3 ORDER BY group_seq DESC LIMIT $4",
			args:  []any{"g1", true, int64(20), 5},
		},
		{
			name:  "latest",
			q:     types.MessageQuery{GroupID: "g1", Limit: 50},
			query: "AND group_seq IS NOT NULL ORDER BY group_seq DESC LIMIT $3",
			args:  []any{"g1", false, 50},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := newMock(t)
			store := NewMessageStore(mock)

			mock.ExpectQuery(regexp.QuoteMeta(tc.query)).
				WithArgs(tc.args...).
				WillReturnRows(pgxmock.NewRows([]string{"id"}))

			msgs, err := store.List(context.Background(), tc.q)
			require.NoError(t, err)
			assert.Empty(t, msgs)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
