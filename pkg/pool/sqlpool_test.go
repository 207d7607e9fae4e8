package pool

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/ESnark/ansible-database-mcp/pkg/errors"
)

func newMockPool(t *testing.T) (*SQLPool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	p := NewSQLPoolFromDB(db, "db.example.com", 3306, 10, zerolog.New(zerolog.NewTestWriter(t)))
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, mock
}

func TestSQLPool_QueryNormalizesRows(t *testing.T) {
	p, mock := newMockPool(t)

	rows := sqlmock.NewRows([]string{"id", "name", "payload"}).
		AddRow(1, []byte("alice"), []byte{0x01, 0x02}).
		AddRow(2, []byte("bob"), nil)
	mock.ExpectQuery("SELECT id, name, payload FROM users").WillReturnRows(rows)

	result, err := p.Query(context.Background(), "SELECT id, name, payload FROM users")
	require.NoError(t, err)
	require.Len(t, result, 2)

	assert.Equal(t, int64(1), result[0]["id"])
	assert.Equal(t, "alice", result[0]["name"], "text columns decode to string")
	assert.Nil(t, result[1]["payload"])
	assert.Equal(t, int64(1), p.QueryCount())
}

func TestSQLPool_QueryFailure(t *testing.T) {
	p, mock := newMockPool(t)

	mock.ExpectQuery("SELECT broken").WillReturnError(fmt.Errorf("syntax error"))

	_, err := p.Query(context.Background(), "SELECT broken")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeQueryFailed, pkgerrors.GetCode(err))
}

func TestSQLPool_Ping(t *testing.T) {
	p, mock := newMockPool(t)

	mock.ExpectPing()
	require.NoError(t, p.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(fmt.Errorf("dial tcp: connection refused"))
	err := p.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeConnectionRefused, pkgerrors.GetCode(err))
}

func TestSQLPool_Transaction(t *testing.T) {
	p, mock := newMockPool(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(42))
	mock.ExpectCommit()

	tx, err := p.Begin(context.Background())
	require.NoError(t, err)

	rows, err := tx.Query(context.Background(), "SELECT count")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLPool_ClosedPoolRejectsEverything(t *testing.T) {
	p, mock := newMockPool(t)

	mock.ExpectClose()
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()), "close is idempotent, the driver is closed once")
	assert.NoError(t, mock.ExpectationsWereMet())

	_, err := p.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, pkgerrors.ErrPoolClosed)
	assert.ErrorIs(t, p.Ping(context.Background()), pkgerrors.ErrPoolClosed)
	_, err = p.Begin(context.Background())
	assert.ErrorIs(t, err, pkgerrors.ErrPoolClosed)
}

func TestSQLPool_Utilization(t *testing.T) {
	p, _ := newMockPool(t)

	u := p.Utilization()
	assert.Equal(t, 10, u.Max)
	assert.Zero(t, u.Pending, "database/sql does not expose waiter counts")
}
