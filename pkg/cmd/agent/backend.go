package agent

import (
	"context"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/config/configv2"
	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/database/etcd"
	"go.f110.dev/instances/pkg/database/gcs"
	"go.f110.dev/instances/pkg/database/memcached"
	"go.f110.dev/instances/pkg/database/memory"
	"go.f110.dev/instances/pkg/database/minio"
	"go.f110.dev/instances/pkg/database/mysql"
	"go.f110.dev/instances/pkg/database/mysql/dao"
	"go.f110.dev/instances/pkg/database/postgres"
)

// NewBackend connects to the store selected by the datastore section.
// The returned function releases the client of the store.
func NewBackend(ctx context.Context, conf *configv2.Config) (database.InstanceDatabase, func() error, error) {
	t, err := conf.Datastore.Type()
	if err != nil {
		return nil, nil, err
	}
	nop := func() error { return nil }

	switch t {
	case database.BackendMemory:
		return memory.NewInstanceDatabase(), nop, nil
	case database.BackendEtcd:
		client, err := conf.Datastore.Etcd.GetEtcdClient(conf.Logger)
		if err != nil {
			return nil, nil, err
		}
		var interval time.Duration
		if conf.Datastore.Etcd.CompactionInterval != nil {
			interval = conf.Datastore.Etcd.CompactionInterval.Duration
		}
		if interval < 0 {
			return etcd.NewInstanceDatabase(client), client.Close, nil
		}
		compactor, err := etcd.NewCompactor(ctx, client, interval)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		cctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			compactor.Start(cctx)
		}()
		closer := func() error {
			cancel()
			<-done
			return client.Close()
		}
		return etcd.NewInstanceDatabase(client), closer, nil
	case database.BackendMySQL:
		conn, err := conf.Datastore.MySQL.GetMySQLConn()
		if err != nil {
			return nil, nil, err
		}
		d := mysql.NewInstanceDatabase(dao.NewRepository(conn))
		if err := d.CreateTable(ctx); err != nil {
			conn.Close()
			return nil, nil, err
		}
		return d, conn.Close, nil
	case database.BackendPostgres:
		pool, err := conf.Datastore.Postgres.GetPool(ctx)
		if err != nil {
			return nil, nil, err
		}
		d := postgres.NewInstanceDatabase(pool)
		if err := d.CreateTable(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return d, func() error { pool.Close(); return nil }, nil
	case database.BackendMemcached:
		client := conf.Datastore.Memcached.GetClient()
		return memcached.NewInstanceDatabase(client, conf.Datastore.Memcached.Prefix), nop, nil
	case database.BackendMinIO:
		client, err := conf.Datastore.MinIO.GetClient()
		if err != nil {
			return nil, nil, err
		}
		return minio.NewInstanceDatabase(client, conf.Datastore.MinIO.Bucket, conf.Datastore.MinIO.Path), nop, nil
	case database.BackendGCS:
		client, err := conf.Datastore.GCS.GetClient(ctx)
		if err != nil {
			return nil, nil, err
		}
		return gcs.NewInstanceDatabase(client, conf.Datastore.GCS.Bucket, conf.Datastore.GCS.Path), client.Close, nil
	}

	return nil, nil, xerrors.WithMessagef(database.ErrBackendNotFound, "%s", t)
}
