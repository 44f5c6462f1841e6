package postgres

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"go.f110.dev/instances/pkg/database"
)

//go:embed schema.sql
var Schema string

const (
	upsertQuery = `INSERT INTO instance (id, payload, started_at, last_seen, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  payload = EXCLUDED.payload,
  started_at = EXCLUDED.started_at,
  last_seen = EXCLUDED.last_seen,
  expires_at = EXCLUDED.expires_at,
  updated_at = now()`
	listAliveQuery     = `SELECT id, payload, started_at, last_seen FROM instance WHERE expires_at >= $1 ORDER BY id`
	deleteQuery        = `DELETE FROM instance WHERE id = $1`
	deleteExpiredQuery = `DELETE FROM instance WHERE expires_at < $1`
)

// purgeFactor is the number of ttl after which an expired row is deleted.
const purgeFactor = 10

type InstanceDatabase struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ database.InstanceDatabase = &InstanceDatabase{}
var _ database.Leaver = &InstanceDatabase{}

func NewInstanceDatabase(pool *pgxpool.Pool) *InstanceDatabase {
	return &InstanceDatabase{pool: pool, now: time.Now}
}

func (d *InstanceDatabase) CreateTable(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, Schema); err != nil {
		return storageError(err)
	}
	return nil
}

// Publish upserts the record and removes the rows of the instances that disappeared a while ago in one transaction.
func (d *InstanceDatabase) Publish(ctx context.Context, record *database.InstanceRecord, ttl time.Duration) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return storageError(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, upsertQuery, record.Id, record.Payload, record.StartedAt, record.LastSeen, record.ExpiresAt(ttl))
	if err != nil {
		return storageError(err)
	}
	if _, err := tx.Exec(ctx, deleteExpiredQuery, d.now().Add(-ttl*purgeFactor)); err != nil {
		return storageError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageError(err)
	}

	return nil
}

func (d *InstanceDatabase) FetchAll(ctx context.Context) ([]*database.InstanceRecord, error) {
	rows, err := d.pool.Query(ctx, listAliveQuery, d.now())
	if err != nil {
		return nil, storageError(err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*database.InstanceRecord, error) {
		r := &database.InstanceRecord{}
		if err := row.Scan(&r.Id, &r.Payload, &r.StartedAt, &r.LastSeen); err != nil {
			return nil, err
		}
		return r, nil
	})
	if err != nil {
		return nil, storageError(err)
	}

	return records, nil
}

func (d *InstanceDatabase) Leave(ctx context.Context, id string) error {
	if _, err := d.pool.Exec(ctx, deleteQuery, id); err != nil {
		return storageError(err)
	}
	return nil
}

// storageError classifies err by SQLSTATE. Errors without SQLSTATE come from the connection.
func storageError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		// integrity constraint violation, data exception, syntax error or access rule violation, invalid authorization
		case "23", "22", "42", "28":
			return database.Rejected(err)
		}
	}

	return database.Unavailable(err)
}
