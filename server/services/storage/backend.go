package storage

import (
	"context"
	"iter"
)

// AnyOwner scans rows regardless of their owner.
const AnyOwner int64 = -1

// Row is a raw persisted record.
type Row struct {
	Handle int64
	// Owner is the handle of the record that owns this one, zero when unowned.
	Owner int64
	// Version increases with every successful write.
	Version uint64
	Data    []byte
}

// Backend is the durable store behind a Store.
// Handles are issued monotonically from 1 and are never reused, not even after Clear.
type Backend interface {
	// Insert allocates a handle and persists a new row.
	Insert(ctx context.Context, owner int64, data []byte) (Row, error)
	// Get returns the row for a handle or errors.ErrNotFound.
	Get(ctx context.Context, handle int64) (Row, error)
	// Update replaces the data of a row.  A non zero version must equal the stored version, otherwise errors.ErrConflict is returned.
	Update(ctx context.Context, handle int64, version uint64, data []byte) (Row, error)
	// Delete removes a row, reporting whether it existed.
	Delete(ctx context.Context, handle int64) (bool, error)
	// Scan yields the rows of an owner in handle order, or every row for AnyOwner.
	Scan(ctx context.Context, owner int64) iter.Seq2[Row, error]
	// Clear removes every row.
	Clear(ctx context.Context) error
	Close() error
}

func rowsOf(rows []Row) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func failed(err error) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		yield(Row{}, err)
	}
}
