package entity

import (
	"time"
)

// Instance is a row of the instance table.
type Instance struct {
	Id        string
	Payload   []byte
	StartedAt time.Time
	LastSeen  time.Time
	ExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt *time.Time
}
