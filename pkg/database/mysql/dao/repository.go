package dao

import (
	"database/sql"
)

type Repository struct {
	Conn     *sql.DB
	Instance *Instance
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{
		Conn:     conn,
		Instance: NewInstance(conn),
	}
}
