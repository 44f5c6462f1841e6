package gcs

import (
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

	"cloud.google.com/go/storage"
	"go.f110.dev/xerrors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"go.f110.dev/instances/pkg/database"
)

const fetchConcurrency = 8

// InstanceDatabase stores each record as <path>/<id>.json in a bucket of Cloud Storage.
type InstanceDatabase struct {
	bucket *storage.BucketHandle
	path   string
	now    func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

type object struct {
	Record    *database.InstanceRecord `json:"record"`
	ExpiresAt time.Time                `json:"expires_at"`
}

func NewInstanceDatabase(client *storage.Client, bucket, path string) *InstanceDatabase {
	return &InstanceDatabase{bucket: client.Bucket(bucket), path: path, now: time.Now}
}

func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	b, err := json.Marshal(&object{Record: record, ExpiresAt: record.ExpiresAt(ttl)})
	if err != nil {
		return database.Rejected(err)
	}

	w := d.bucket.Object(d.objectName(record.Id)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(b); err != nil {
		w.Close()
		return storageError(err)
	}
	if err := w.Close(); err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	var names []string
	iter := d.bucket.Objects(ctx, &storage.Query{Prefix: d.prefix()})
	for {
		attr, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, storageError(err)
		}
		names = append(names, attr.Name)
	}

	now := d.now()
	var mu sync.Mutex
	records := make([]*database.InstanceRecord, 0, len(names))
	var expired []string
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchConcurrency)
	for _, name := range names {
		eg.Go(func() error {
			obj, err := d.getObject(egCtx, name)
			if err != nil {
				return err
			}
			if obj == nil {
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if obj.ExpiresAt.Before(now) {
				expired = append(expired, name)
				return nil
			}
			records = append(records, obj.Record)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, storageError(err)
	}
	for _, name := range expired {
		_ = d.bucket.Object(name).Delete(ctx)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })

	return records, nil
}

func (d *InstanceDatabase) getObject(ctx context.Context, name string) (*object, error) {
	r, err := d.bucket.Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	obj := &object{}
	if err := json.Unmarshal(b, obj); err != nil || obj.Record == nil {
		return nil, nil
	}

	return obj, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	err := d.bucket.Object(d.objectName(id)).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
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
	if errors.Is(err, storage.ErrBucketNotExist) {
		return database.Rejected(err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusRequestEntityTooLarge:
			return database.Rejected(err)
		}
	}

	return database.Unavailable(err)
}
