package database

import (
	"context"
	"errors"
	"time"

	"go.f110.dev/xerrors"
)

var (
	ErrStorageUnavailable = xerrors.New("database: storage unavailable")
	ErrStorageRejected    = xerrors.New("database: storage rejected the request")
)

// InstanceDatabase is the capability every shared store has to provide for membership.
// Implementations must be safe for concurrent use.
type InstanceDatabase interface {
	// Publish upserts the record. Publishing the same Id again overwrites the previous record.
	// ttl is a hint for stores that can expire records natively.
	Publish(ctx context.Context, record *InstanceRecord, ttl time.Duration) error
	// FetchAll returns every record the store knows about. Records may be stale.
	FetchAll(ctx context.Context) ([]*InstanceRecord, error)
}

// Leaver is implemented by stores that can delete a record when the instance shuts down gracefully.
type Leaver interface {
	Leave(ctx context.Context, id string) error
}

type InstanceRecord struct {
	Id        string    `json:"id"`
	Payload   []byte    `json:"payload,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`
}

func (r *InstanceRecord) Clone() *InstanceRecord {
	n := *r
	if r.Payload != nil {
		n.Payload = append([]byte(nil), r.Payload...)
	}
	return &n
}

// ExpiresAt returns the time after which the record must not be trusted when it was stored with ttl.
func (r *InstanceRecord) ExpiresAt(ttl time.Duration) time.Time {
	return r.LastSeen.Add(ttl)
}

// StorageError annotates a backend failure with its kind.
// errors.Is matches both the kind (ErrStorageUnavailable or ErrStorageRejected) and the cause.
type StorageError struct {
	Kind error
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func Unavailable(err error) error {
	return xerrors.WithStack(&StorageError{Kind: ErrStorageUnavailable, Err: err})
}

func Rejected(err error) error {
	return xerrors.WithStack(&StorageError{Kind: ErrStorageRejected, Err: err})
}

// IsStorageError reports whether err was produced by a backend.
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrStorageRejected)
}
