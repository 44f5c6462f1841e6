package database

import (
	"strings"

	"go.f110.dev/xerrors"
)

type BackendType string

const (
	BackendMemory    BackendType = "memory"
	BackendEtcd      BackendType = "etcd"
	BackendMySQL     BackendType = "mysql"
	BackendPostgres  BackendType = "postgres"
	BackendMemcached BackendType = "memcached"
	BackendMinIO     BackendType = "minio"
	BackendGCS       BackendType = "gcs"
)

var AllBackendTypes = []BackendType{
	BackendMemory,
	BackendEtcd,
	BackendMySQL,
	BackendPostgres,
	BackendMemcached,
	BackendMinIO,
	BackendGCS,
}

var ErrBackendNotFound = xerrors.New("database: backend implementation not found")

// ParseBackendType parses the name case-insensitively.
func ParseBackendType(s string) (BackendType, error) {
	v := BackendType(strings.ToLower(strings.TrimSpace(s)))
	for _, t := range AllBackendTypes {
		if t == v {
			return t, nil
		}
	}

	names := make([]string, len(AllBackendTypes))
	for i, t := range AllBackendTypes {
		names[i] = string(t)
	}
	return "", xerrors.WithMessagef(ErrBackendNotFound, "%q is not one of %s", s, strings.Join(names, ", "))
}

func (b BackendType) String() string {
	return string(b)
}
