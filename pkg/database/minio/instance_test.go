package minio

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database"
)

func TestObjectName(t *testing.T) {
	d := NewInstanceDatabase(nil, "bucket", "members/")
	assert.Equal(t, "members/", d.prefix())
	assert.Equal(t, "members/a.json", d.objectName("a"))

	d = NewInstanceDatabase(nil, "bucket", "")
	assert.Equal(t, "a.json", d.objectName("a"))
}

func TestStorageError(t *testing.T) {
	err := storageError(xerrors.WithStack(minio.ErrorResponse{StatusCode: http.StatusForbidden, Code: "AccessDenied"}))
	assert.ErrorIs(t, err, database.ErrStorageRejected)

	err = storageError(minio.ErrorResponse{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"})
	assert.ErrorIs(t, err, database.ErrStorageUnavailable)

	err = storageError(context.DeadlineExceeded)
	assert.ErrorIs(t, err, database.ErrStorageUnavailable)
}

// TestInstanceDatabase needs a running MinIO. INSTANCES_TEST_MINIO_ENDPOINT is host:port of the server and
// INSTANCES_TEST_MINIO_ACCESS_KEY / INSTANCES_TEST_MINIO_SECRET_KEY are the credential.
func TestInstanceDatabase(t *testing.T) {
	endpoint := os.Getenv("INSTANCES_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("INSTANCES_TEST_MINIO_ENDPOINT is not set")
	}
	creds := credentials.NewStaticV4(os.Getenv("INSTANCES_TEST_MINIO_ACCESS_KEY"), os.Getenv("INSTANCES_TEST_MINIO_SECRET_KEY"), "")
	mc, err := minio.New(endpoint, &minio.Options{Creds: creds})
	require.NoError(t, err)

	bucket := fmt.Sprintf("instances-test-%d", time.Now().UnixNano())
	require.NoError(t, mc.MakeBucket(context.Background(), bucket, minio.MakeBucketOptions{}))

	now := time.Now()
	db := NewInstanceDatabase(mc, bucket, "members")
	db.now = func() time.Time { return now }
	require.NoError(t, db.Publish(context.Background(), &database.InstanceRecord{Id: "b", StartedAt: now, LastSeen: now}, 10*time.Second))
	require.NoError(t, db.Publish(context.Background(), &database.InstanceRecord{Id: "a", StartedAt: now, LastSeen: now}, 10*time.Second))
	require.NoError(t, db.Publish(context.Background(), &database.InstanceRecord{Id: "old", StartedAt: now, LastSeen: now.Add(-time.Minute)}, 10*time.Second))

	records, err := db.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Id)
	assert.Equal(t, "b", records[1].Id)

	// The expired object has been deleted
	_, err = mc.StatObject(context.Background(), bucket, "members/old.json", minio.StatObjectOptions{})
	assert.Equal(t, http.StatusNotFound, minio.ToErrorResponse(err).StatusCode)

	require.NoError(t, db.Leave(context.Background(), "a"))
	records, err = db.FetchAll(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].Id)
}

func newMockDatabase(t *testing.T) (*InstanceDatabase, *httpmock.MockTransport) {
	t.Helper()

	transport := httpmock.NewMockTransport()
	mc, err := minio.New("minio.test:9000", &minio.Options{
		Creds:     credentials.NewStaticV4("access", "secret", ""),
		Region:    "us-east-1",
		Transport: transport,
	})
	require.NoError(t, err)

	return NewInstanceDatabase(mc, "instances", "members"), transport
}

func TestInstanceDatabase_Mock(t *testing.T) {
	t.Run("Publish", func(t *testing.T) {
		db, transport := newMockDatabase(t)
		transport.RegisterResponder(
			http.MethodPut,
			"http://minio.test:9000/instances/members/a.json",
			httpmock.NewStringResponder(http.StatusOK, ""),
		)

		now := time.Now()
		err := db.Publish(context.Background(), &database.InstanceRecord{Id: "a", StartedAt: now, LastSeen: now}, 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, transport.GetTotalCallCount())
	})

	t.Run("Rejected", func(t *testing.T) {
		db, transport := newMockDatabase(t)
		transport.RegisterResponder(
			http.MethodPut,
			"http://minio.test:9000/instances/members/a.json",
			httpmock.NewStringResponder(http.StatusForbidden, `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied.</Message><BucketName>instances</BucketName><Key>members/a.json</Key></Error>`),
		)

		now := time.Now()
		err := db.Publish(context.Background(), &database.InstanceRecord{Id: "a", StartedAt: now, LastSeen: now}, 10*time.Second)
		require.Error(t, err)
		assert.ErrorIs(t, err, database.ErrStorageRejected)
	})

	t.Run("Leave", func(t *testing.T) {
		db, transport := newMockDatabase(t)
		transport.RegisterResponder(
			http.MethodDelete,
			"http://minio.test:9000/instances/members/a.json",
			httpmock.NewStringResponder(http.StatusNoContent, ""),
		)

		require.NoError(t, db.Leave(context.Background(), "a"))
		assert.Equal(t, 1, transport.GetTotalCallCount())
	})
}
