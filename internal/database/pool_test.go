package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockPool(t *testing.T) (*Pool, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)

	pool, err := NewPool(gormDB, PoolConfig{MaxOpenConns: 5}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pool, mock, mockDB
}

func TestPool_Ping(t *testing.T) {
	pool, mock, _ := setupMockPool(t)
	defer pool.Close()

	mock.ExpectPing()
	require.NoError(t, pool.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_CloseTwiceAndRejectAfter(t *testing.T) {
	pool, mock, _ := setupMockPool(t)
	mock.ExpectClose()

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	err := pool.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool is closed")
}

func TestPool_WithTransactionRetry_RetriesDeadlock(t *testing.T) {
	pool, mock, _ := setupMockPool(t)
	defer pool.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE experiments").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE experiments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pool.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		return tx.Exec("UPDATE experiments SET status = $1", "paused").Error
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_WithTransactionRetry_DoesNotRetryDomainErrors(t *testing.T) {
	pool, mock, _ := setupMockPool(t)
	defer pool.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE experiments").
		WillReturnError(errors.New("value too long for column"))
	mock.ExpectRollback()

	attempts := 0
	err := pool.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		attempts++
		return tx.Exec("UPDATE experiments SET status = $1", "paused").Error
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, isRetryableError(errors.New("Deadlock found when trying to get lock")))
	assert.True(t, isRetryableError(errors.New("ERROR: could not serialize access (SQLSTATE 40001)")))
	assert.True(t, isRetryableError(errors.New("driver: bad connection")))
	assert.False(t, isRetryableError(errors.New("record not found")))
	assert.False(t, isRetryableError(nil))
}
