package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"go.f110.dev/xerrors"
	"golang.org/x/sync/errgroup"

	"go.f110.dev/instances/pkg/database"
)

const fetchConcurrency = 8

// InstanceDatabase stores each record as <path>/<id>.json in a bucket of S3 compatible storage.
// Object storage can't expire objects within seconds, so FetchAll skips the objects which have expired
// and Publish deletes them.
type InstanceDatabase struct {
	client *minio.Client
	bucket string
	path   string
	now    func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

// object is the content of the object.
type object struct {
	Record    *database.InstanceRecord `json:"record"`
	ExpiresAt time.Time                `json:"expires_at"`
}

func NewInstanceDatabase(client *minio.Client, bucket, path string) *InstanceDatabase {
	return &InstanceDatabase{client: client, bucket: bucket, path: path, now: time.Now}
}

func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	b, err := json.Marshal(&object{Record: record, ExpiresAt: record.ExpiresAt(ttl)})
	if err != nil {
		return database.Rejected(err)
	}

	_, err = d.client.PutObject(ctx, d.bucket, d.objectName(record.Id), bytes.NewReader(b), int64(len(b)), minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	var keys []string
	for obj := range d.client.ListObjects(ctx, d.bucket, minio.ListObjectsOptions{Prefix: d.prefix()}) {
		if obj.Err != nil {
			return nil, storageError(obj.Err)
		}
		keys = append(keys, obj.Key)
	}

	now := d.now()
	var mu sync.Mutex
	records := make([]*database.InstanceRecord, 0, len(keys))
	var expired []string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchConcurrency)
	for _, key := range keys {
		eg.Go(func() error {
			obj, err := d.getObject(egCtx, key)
			if err != nil {
				return err
			}
			if obj == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if obj.ExpiresAt.Before(now) {
				expired = append(expired, key)
				return nil
			}
			records = append(records, obj.Record)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, storageError(err)
	}
	for _, key := range expired {
		// Deleting expired objects is best effort. Every instance tries it, so a failure is retried by the next cycle.
		_ = d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })

	return records, nil
}

// getObject returns nil when the object was deleted after listing or is broken.
func (d *InstanceDatabase) getObject(ctx context.Context, key string) (*object, error) {
	o, err := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer o.Close()

	b, err := io.ReadAll(o)
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, xerrors.WithStack(err)
	}
	obj := &object{}
	if err := json.Unmarshal(b, obj); err != nil || obj.Record == nil {
		return nil, nil
	}

	return obj, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	if err := d.client.RemoveObject(ctx, d.bucket, d.objectName(id), minio.RemoveObjectOptions{}); err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) prefix() string {
	p := strings.Trim(path.Clean(d.path), "/")
	if p == "" || p == "." {
		return ""
	}
	return p + "/"
}

func (d *InstanceDatabase) objectName(id string) string {
	return d.prefix() + id + ".json"
}

func storageError(err error) error {
	var res minio.ErrorResponse
	if !errors.As(err, &res) {
		return database.Unavailable(err)
	}

	switch res.StatusCode {
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return database.Rejected(err)
	default:
		return database.Unavailable(err)
	}
}
