package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"time"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
	"go.etcd.io/bbolt"
)

var (
	rowsBucket   = []byte("rows")
	ownersBucket = []byte("owners")
)

// rowHeaderLen is the size of the owner and version prefix of each stored value.
const rowHeaderLen = 16

// BoltBackend stores rows in a bbolt database file.
// Each store uses its own top level bucket holding a rows bucket and a nested owner index.
type BoltBackend struct {
	db     *bbolt.DB
	bucket []byte
	shared bool
}

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend opens (or creates) a bolt database file and prepares the bucket for a store.
func NewBoltBackend(ctx context.Context, path string, bucket string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	b, err := NewBoltBackendFromDB(ctx, db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.shared = false
	return b, nil
}

// NewBoltBackendFromDB prepares a bucket in an already open database.  Closing the backend leaves the database open.
func NewBoltBackendFromDB(_ context.Context, db *bbolt.DB, bucket string) (*BoltBackend, error) {
	b := &BoltBackend{db: db, bucket: []byte(bucket), shared: true}
	if err := db.Update(func(tx *bbolt.Tx) error {
		return b.ensure(tx)
	}); err != nil {
		return nil, fmt.Errorf("create bolt bucket %s: %w", bucket, err)
	}
	return b, nil
}

func (b *BoltBackend) ensure(tx *bbolt.Tx) error {
	top, err := tx.CreateBucketIfNotExists(b.bucket)
	if err != nil {
		return err
	}
	if _, err := top.CreateBucketIfNotExists(rowsBucket); err != nil {
		return err
	}
	if _, err := top.CreateBucketIfNotExists(ownersBucket); err != nil {
		return err
	}
	return nil
}

func (b *BoltBackend) buckets(tx *bbolt.Tx) (*bbolt.Bucket, *bbolt.Bucket) {
	top := tx.Bucket(b.bucket)
	return top.Bucket(rowsBucket), top.Bucket(ownersBucket)
}

func handleKey(h int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(h))
	return k
}

func encodeRow(r Row) []byte {
	v := make([]byte, rowHeaderLen+len(r.Data))
	binary.BigEndian.PutUint64(v, uint64(r.Owner))
	binary.BigEndian.PutUint64(v[8:], r.Version)
	copy(v[rowHeaderLen:], r.Data)
	return v
}

func decodeRow(h int64, v []byte) (Row, error) {
	if len(v) < rowHeaderLen {
		return Row{}, fmt.Errorf("row %d is truncated", h)
	}
	data := make([]byte, len(v)-rowHeaderLen)
	copy(data, v[rowHeaderLen:])
	return Row{
		Handle:  h,
		Owner:   int64(binary.BigEndian.Uint64(v)),
		Version: binary.BigEndian.Uint64(v[8:]),
		Data:    data,
	}, nil
}

// Insert allocates a handle from the bucket sequence and stores a new row.
func (b *BoltBackend) Insert(_ context.Context, owner int64, data []byte) (Row, error) {
	var r Row
	err := b.db.Update(func(tx *bbolt.Tx) error {
		rows, owners := b.buckets(tx)
		seq, err := rows.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		r = Row{Handle: int64(seq), Owner: owner, Version: 1, Data: data}
		if err := rows.Put(handleKey(r.Handle), encodeRow(r)); err != nil {
			return fmt.Errorf("put row: %w", err)
		}
		idx, err := owners.CreateBucketIfNotExists(handleKey(owner))
		if err != nil {
			return fmt.Errorf("owner index: %w", err)
		}
		return idx.Put(handleKey(r.Handle), nil)
	})
	if err != nil {
		return Row{}, fmt.Errorf("insert bolt row: %w", err)
	}
	return r, nil
}

// Get reads a row.
func (b *BoltBackend) Get(_ context.Context, handle int64) (Row, error) {
	var r Row
	err := b.db.View(func(tx *bbolt.Tx) error {
		rows, _ := b.buckets(tx)
		v := rows.Get(handleKey(handle))
		if v == nil {
			return fmt.Errorf("get row %d: %w", handle, errors2.ErrNotFound)
		}
		var err error
		r, err = decodeRow(handle, v)
		return err
	})
	return r, err
}

// Update replaces the data of a row inside a single write transaction.
func (b *BoltBackend) Update(_ context.Context, handle int64, version uint64, data []byte) (Row, error) {
	var r Row
	err := b.db.Update(func(tx *bbolt.Tx) error {
		rows, _ := b.buckets(tx)
		k := handleKey(handle)
		v := rows.Get(k)
		if v == nil {
			return fmt.Errorf("update row %d: %w", handle, errors2.ErrNotFound)
		}
		cur, err := decodeRow(handle, v)
		if err != nil {
			return err
		}
		if version != 0 && version != cur.Version {
			return fmt.Errorf("update row %d at version %d, stored %d: %w", handle, version, cur.Version, errors2.ErrConflict)
		}
		r = Row{Handle: handle, Owner: cur.Owner, Version: cur.Version + 1, Data: data}
		return rows.Put(k, encodeRow(r))
	})
	return r, err
}

// Delete removes a row and its owner index entry.
func (b *BoltBackend) Delete(_ context.Context, handle int64) (bool, error) {
	found := false
	err := b.db.Update(func(tx *bbolt.Tx) error {
		rows, owners := b.buckets(tx)
		k := handleKey(handle)
		v := rows.Get(k)
		if v == nil {
			return nil
		}
		cur, err := decodeRow(handle, v)
		if err != nil {
			return err
		}
		found = true
		if idx := owners.Bucket(handleKey(cur.Owner)); idx != nil {
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return rows.Delete(k)
	})
	if err != nil {
		return false, fmt.Errorf("delete bolt row %d: %w", handle, err)
	}
	return found, nil
}

// Scan reads the matching rows in one read transaction and yields them in handle order.
func (b *BoltBackend) Scan(_ context.Context, owner int64) iter.Seq2[Row, error] {
	var ret []Row
	err := b.db.View(func(tx *bbolt.Tx) error {
		rows, owners := b.buckets(tx)
		if owner == AnyOwner {
			return rows.ForEach(func(k, v []byte) error {
				r, err := decodeRow(int64(binary.BigEndian.Uint64(k)), v)
				if err != nil {
					return err
				}
				ret = append(ret, r)
				return nil
			})
		}
		idx := owners.Bucket(handleKey(owner))
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			h := int64(binary.BigEndian.Uint64(k))
			r, err := decodeRow(h, rows.Get(k))
			if err != nil {
				return err
			}
			ret = append(ret, r)
			return nil
		})
	})
	if err != nil {
		return failed(fmt.Errorf("scan bolt rows: %w", err))
	}
	return rowsOf(ret)
}

// Clear drops every row while keeping the handle sequence.
func (b *BoltBackend) Clear(_ context.Context) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		rows, _ := b.buckets(tx)
		seq := rows.Sequence()
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return err
		}
		if err := b.ensure(tx); err != nil {
			return err
		}
		rows, _ = b.buckets(tx)
		return rows.SetSequence(seq)
	})
	if err != nil {
		return fmt.Errorf("clear bolt bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Close closes the database unless it was supplied by the caller.
func (b *BoltBackend) Close() error {
	if b.shared {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close bolt database: %w", err)
	}
	return nil
}
