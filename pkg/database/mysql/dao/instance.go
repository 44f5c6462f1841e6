package dao

import (
	"context"
	"database/sql"
	_ "embed"
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database/mysql/entity"
)

//go:embed schema.sql
var Schema string

type Instance struct {
	conn *sql.DB
}

func NewInstance(conn *sql.DB) *Instance {
	return &Instance{conn: conn}
}

// Upsert inserts the row or overwrites every column except started_at and created_at.
func (d *Instance) Upsert(ctx context.Context, v *entity.Instance) error {
	now := time.Now()
	_, err := d.conn.ExecContext(
		ctx,
		"INSERT INTO `instance` (`id`, `payload`, `started_at`, `last_seen`, `expires_at`, `created_at`) VALUES (?, ?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE `payload` = VALUES(`payload`), `started_at` = VALUES(`started_at`), `last_seen` = VALUES(`last_seen`), `expires_at` = VALUES(`expires_at`), `updated_at` = ?",
		v.Id, v.Payload, v.StartedAt, v.LastSeen, v.ExpiresAt, now, now,
	)
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

// ListAlive returns the rows which have not expired at t.
func (d *Instance) ListAlive(ctx context.Context, t time.Time) ([]*entity.Instance, error) {
	rows, err := d.conn.QueryContext(
		ctx,
		"SELECT `id`, `payload`, `started_at`, `last_seen`, `expires_at`, `created_at`, `updated_at` FROM `instance` WHERE `expires_at` >= ? ORDER BY `id`",
		t,
	)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	defer rows.Close()

	res := make([]*entity.Instance, 0)
	for rows.Next() {
		r := &entity.Instance{}
		if err := rows.Scan(&r.Id, &r.Payload, &r.StartedAt, &r.LastSeen, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, xerrors.WithStack(err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.WithStack(err)
	}

	return res, nil
}

func (d *Instance) Delete(ctx context.Context, id string) error {
	_, err := d.conn.ExecContext(ctx, "DELETE FROM `instance` WHERE `id` = ?", id)
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

// DeleteExpired removes the rows which expired before t.
func (d *Instance) DeleteExpired(ctx context.Context, t time.Time) (int64, error) {
	res, err := d.conn.ExecContext(ctx, "DELETE FROM `instance` WHERE `expires_at` < ?", t)
	if err != nil {
		return 0, xerrors.WithStack(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.WithStack(err)
	}

	return n, nil
}
