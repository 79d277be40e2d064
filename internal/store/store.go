// Package store persists blocks and their synced statistics. SQLite is the
// default backend; PostgreSQL is available for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/seantiz/salvo/internal/model"
)

// ErrNotFound is returned when a block or snapshot does not exist.
var ErrNotFound = errors.New("not found")

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var sjson = jsoniter.ConfigCompatibleWithStandardLibrary

// Store defines the persistence operations for blocks and their stats.
type Store interface {
	CreateBlock(ctx context.Context, b *model.Block) error
	GetBlock(ctx context.Context, id string) (*model.Block, error)
	ListBlocks(ctx context.Context, limit, offset int) ([]*model.Block, int, error)
	UpdateBlockStatus(ctx context.Context, id, status string) error
	UpdateRegState(ctx context.Context, id, state string) error
	DeleteBlock(ctx context.Context, id string) error

	SaveSnapshot(ctx context.Context, blockID string, s model.Stats) error
	LatestSnapshot(ctx context.Context, blockID string) (*model.Stats, error)
	ClearSnapshots(ctx context.Context, blockID string) error

	Close() error
}

// Config selects and addresses a backend.
type Config struct {
	Driver string
	// Path is the SQLite database file.
	Path string
	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open connects to the configured backend and runs its migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func encodeSpec(spec model.BlockSpec) (string, error) {
	b, err := sjson.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode spec: %w", err)
	}
	return string(b), nil
}

func decodeSpec(data string, spec *model.BlockSpec) error {
	if err := sjson.UnmarshalFromString(data, spec); err != nil {
		return fmt.Errorf("decode spec: %w", err)
	}
	return nil
}
