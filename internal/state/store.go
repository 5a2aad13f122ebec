package state

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendEtcd   = "etcd"
)

// Store persists the single Recovery Record. Save replaces it atomically.
type Store interface {
	Save(ctx context.Context, rec Record) error
	// Load returns false when nothing was ever saved.
	Load(ctx context.Context) (Record, bool, error)
	Close() error
}

type Options struct {
	Backend       string
	Path          string
	DSN           string
	EtcdEndpoints []string
	EtcdKey       string
}

// Open builds the store selected by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendFile:
		return NewFileStore(opts.Path), nil
	case BackendSQLite:
		return OpenSQLite(ctx, opts.DSN)
	case BackendEtcd:
		return NewEtcdStore(opts.EtcdEndpoints, opts.EtcdKey)
	default:
		return nil, fmt.Errorf("unknown state backend %q", opts.Backend)
	}
}
