package mysql

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/database/mysql/dao"
)

// newTestDatabase connects to the server of INSTANCES_TEST_MYSQL_DSN.
func newTestDatabase(t *testing.T) *InstanceDatabase {
	t.Helper()

	dsn := os.Getenv("INSTANCES_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("INSTANCES_TEST_MYSQL_DSN is not set")
	}
	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	conn, err := sql.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db := NewInstanceDatabase(dao.NewRepository(conn))
	require.NoError(t, db.CreateTable(context.Background()))
	_, err = conn.Exec("DELETE FROM `instance`")
	require.NoError(t, err)

	return db
}

func TestInstanceDatabase(t *testing.T) {
	db := newTestDatabase(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	a := &database.InstanceRecord{Id: "a", Payload: []byte(`"a"`), StartedAt: now, LastSeen: now}
	b := &database.InstanceRecord{Id: "b", StartedAt: now, LastSeen: now.Add(-time.Minute)}

	require.NoError(t, db.Publish(context.Background(), a, 10*time.Second))
	require.NoError(t, db.Publish(context.Background(), b, 10*time.Second))

	records, err := db.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1, "b has already expired")
	assert.Equal(t, "a", records[0].Id)
	assert.Equal(t, []byte(`"a"`), records[0].Payload)
	assert.True(t, records[0].LastSeen.Equal(now))

	a.LastSeen = now.Add(time.Second)
	require.NoError(t, db.Publish(context.Background(), a, 10*time.Second))
	records, err = db.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].LastSeen.Equal(a.LastSeen))

	require.NoError(t, db.Leave(context.Background(), "a"))
	records, err = db.FetchAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 0)
}

func TestStorageError(t *testing.T) {
	err := storageError(&mysql.MySQLError{Number: 1406, Message: "Data too long"})
	assert.ErrorIs(t, err, database.ErrStorageRejected)

	err = storageError(&mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"})
	assert.ErrorIs(t, err, database.ErrStorageUnavailable)

	err = storageError(mysql.ErrInvalidConn)
	assert.ErrorIs(t, err, database.ErrStorageUnavailable)
	assert.ErrorIs(t, err, mysql.ErrInvalidConn)
}
