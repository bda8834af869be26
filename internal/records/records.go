package records

import "context"

// Raw is one item returned by the record store, decoded without any schema.
type Raw map[string]any

// ScanOptions bounds a single scan page. Limit <= 0 means the store default.
type ScanOptions struct {
	Limit int
}

// Store is the read side of the external call-record table.
type Store interface {
	Scan(ctx context.Context, opts ScanOptions) ([]Raw, error)
}

// StoreFunc adapts a function to Store.
type StoreFunc func(ctx context.Context, opts ScanOptions) ([]Raw, error)

func (f StoreFunc) Scan(ctx context.Context, opts ScanOptions) ([]Raw, error) { return f(ctx, opts) }
