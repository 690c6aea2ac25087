package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresLoggerRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l, err := NewPostgresLogger(db)
	require.NoError(t, err)

	at := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(at, "admin", "backup_delete", `{"backupName":"b1"}`, ResultSuccess).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = l.Record(context.Background(), Event{
		Timestamp: at,
		Actor:     "admin",
		Action:    "backup_delete",
		Details:   map[string]any{"backupName": "b1"},
		Result:    ResultSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoggerList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l, err := NewPostgresLogger(db)
	require.NoError(t, err)

	at := time.Date(2026, 2, 16, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"occurred_at", "actor", "action", "details", "result"}).
		AddRow(at.Add(time.Minute), "system", "health_sweep", []byte(`{"unhealthy":1}`), "").
		AddRow(at, "admin", "user_login", []byte(`{}`), ResultSuccess)
	mock.ExpectQuery("SELECT occurred_at, actor, action, details, result FROM audit_events ORDER BY id DESC LIMIT \\$1").
		WithArgs(10).
		WillReturnRows(rows)

	events, err := l.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "health_sweep", events[0].Action)
	assert.EqualValues(t, 1, events[0].Details["unhealthy"])
	assert.Nil(t, events[1].Details)
	require.NoError(t, mock.ExpectationsWereMet())
}
