package mysql

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"go.f110.dev/instances/pkg/database"
	"go.f110.dev/instances/pkg/database/mysql/dao"
	"go.f110.dev/instances/pkg/database/mysql/entity"
)

// purgeFactor is the number of ttl after which an expired row is deleted.
const purgeFactor = 10

type InstanceDatabase struct {
	dao *dao.Repository
	now func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

func NewInstanceDatabase(dao *dao.Repository) *InstanceDatabase {
	return &InstanceDatabase{dao: dao, now: time.Now}
}

// CreateTable creates the instance table if it does not exist.
func (d *InstanceDatabase) CreateTable(ctx context.Context) error {
	if _, err := d.dao.Conn.ExecContext(ctx, dao.Schema); err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	err := d.dao.Instance.Upsert(ctx, &entity.Instance{
		Id:        record.Id,
		Payload:   record.Payload,
		StartedAt: record.StartedAt.UTC(),
		LastSeen:  record.LastSeen.UTC(),
		ExpiresAt: record.ExpiresAt(ttl).UTC(),
	})
	if err != nil {
		return storageError(err)
	}
	// Rows of the instances that disappeared without leaving are removed by the survivors.
	if _, err := d.dao.Instance.DeleteExpired(ctx, d.now().Add(-ttl*purgeFactor).UTC()); err != nil {
		return storageError(err)
	}

	return nil
}

// FetchAll returns the records which have not expired.
func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	now := d.now().UTC()
	rows, err := d.dao.Instance.ListAlive(ctx, now)
	if err != nil {
		return nil, storageError(err)
	}

	records := make([]*database.InstanceRecord, len(rows))
	for i, v := range rows {
		records[i] = &database.InstanceRecord{
			Id:        v.Id,
			Payload:   v.Payload,
			StartedAt: v.StartedAt,
			LastSeen:  v.LastSeen,
		}
	}

	return records, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	if err := d.dao.Instance.Delete(ctx, id); err != nil {
		return storageError(err)
	}

	return nil
}

// Error numbers of MySQL which mean that the server refused the request itself.
var rejectedErrors = map[uint16]struct{}{
	1044: {}, // ER_DBACCESS_DENIED_ERROR
	1045: {}, // ER_ACCESS_DENIED_ERROR
	1142: {}, // ER_TABLEACCESS_DENIED_ERROR
	1146: {}, // ER_NO_SUCH_TABLE
	1406: {}, // ER_DATA_TOO_LONG
	1153: {}, // ER_NET_PACKET_TOO_LARGE
}

func storageError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if _, ok := rejectedErrors[mysqlErr.Number]; ok {
			return database.Rejected(err)
		}
	}
	return database.Unavailable(err)
}
