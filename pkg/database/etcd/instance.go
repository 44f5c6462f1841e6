package etcd

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/logger"
)

const keyPrefix = "instances/"

// InstanceDatabase stores each record under instances/<id> bound to a lease.
// The lease expires the record when the instance stops publishing.
type InstanceDatabase struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

func NewInstanceDatabase(client *clientv3.Client) *InstanceDatabase {
	return &InstanceDatabase{
		client: client,
		log:    logger.Named("etcd"),
		leases: make(map[string]clientv3.LeaseID),
	}
}

func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	b, err := yaml.Marshal(record)
	if err != nil {
		return database.Rejected(err)
	}

	leaseId, err := d.lease(ctx, record.Id, ttl)
	if err != nil {
		return storageError(err)
	}
	_, err = d.client.Put(ctx, keyPrefix+record.Id, string(b), clientv3.WithLease(leaseId))
	if err != nil {
		return storageError(err)
	}

	return nil
}

// lease returns the lease of the record. The lease is extended when it still exists, otherwise a new lease is granted.
func (d *InstanceDatabase) lease(ctx context.Context, id string, ttl time.Duration) (clientv3.LeaseID, error) {
	d.mu.Lock()
	leaseId, ok := d.leases[id]
	d.mu.Unlock()

	if ok {
		_, err := d.client.KeepAliveOnce(ctx, leaseId)
		if err == nil {
			return leaseId, nil
		}
		if !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return 0, err
		}
	}

	lease, err := d.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	d.leases[id] = lease.ID
	d.mu.Unlock()

	return lease.ID, nil
}

func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	res, err := d.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, storageError(err)
	}

	records := make([]*database.InstanceRecord, 0, len(res.Kvs))
	for _, v := range res.Kvs {
		record := &database.InstanceRecord{}
		if err := yaml.Unmarshal(v.Value, record); err != nil {
			d.log.Warn("Skip broken record", zap.ByteString("key", v.Key), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Id < records[j].Id })

	return records, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	if _, err := d.client.Delete(ctx, keyPrefix+id); err != nil {
		return storageError(err)
	}

	d.mu.Lock()
	leaseId, ok := d.leases[id]
	delete(d.leases, id)
	d.mu.Unlock()
	if ok {
		if _, err := d.client.Revoke(ctx, leaseId); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return storageError(err)
		}
	}

	return nil
}

// ttlSeconds rounds ttl up to whole seconds because etcd leases have a resolution of one second.
func ttlSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func storageError(err error) error {
	switch {
	case errors.Is(err, rpctypes.ErrRequestTooLarge),
		errors.Is(err, rpctypes.ErrTooManyOps),
		errors.Is(err, rpctypes.ErrPermissionDenied),
		errors.Is(err, rpctypes.ErrAuthFailed),
		errors.Is(err, rpctypes.ErrInvalidAuthToken),
		errors.Is(err, rpctypes.ErrLeaseTTLTooLarge):
		return database.Rejected(err)
	default:
		return database.Unavailable(xerrors.WithStack(err))
	}
}
