package storage

import (
	"context"
	"fmt"
	"strings"
)

// NewFromDSN builds a Repository from a storage DSN:
//
//	mem://                  in-memory (tests, throwaway instances)
//	postgres://...          PostgreSQL via pgx
//	badger:///path/to/dir   embedded Badger database
//
// A bare filesystem path is treated as a Badger directory.
func NewFromDSN(ctx context.Context, dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("storage DSN is empty")
	}

	switch {
	case dsn == "mem://":
		return NewMemoryRepository(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresRepository(ctx, dsn)
	case strings.HasPrefix(dsn, "badger://"):
		return NewBadgerRepository(strings.TrimPrefix(dsn, "badger://"))
	default:
		return NewBadgerRepository(dsn)
	}
}
