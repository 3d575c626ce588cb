package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/dogmatiq/linger"
	"github.com/dogmatiq/linger/backoff"
	"github.com/vmihailenco/msgpack/v5"
	"gitlab.com/shar-workflow/taskflow/common/logx"
	"gitlab.com/shar-workflow/taskflow/server/errors/keys"
	"gitlab.com/shar-workflow/taskflow/server/services/cache"

	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// DefaultConflictBackoff is the delay strategy between retries of a conflicting Update.
var DefaultConflictBackoff backoff.Strategy = backoff.WithTransforms(
	backoff.Exponential(5*time.Millisecond),
	linger.FullJitter,
	linger.Limiter(0, 250*time.Millisecond),
)

// DefaultConflictRetries is the number of times Update re-reads and re-applies a mutation after a conflict.
const DefaultConflictRetries = 5

// Record is a decoded stored value with its handle, owner and version.
type Record[T any] struct {
	Handle  int64
	Owner   int64
	Version uint64
	Value   *T
}

// Filter selects records during a scan.
type Filter[T any] struct {
	// Owner restricts the scan to records owned by a handle.  AnyOwner scans everything.
	Owner int64
	// Match is an optional predicate applied after the owner filter.
	Match func(*T) bool
}

// All returns a filter matching every record.
func All[T any]() Filter[T] {
	return Filter[T]{Owner: AnyOwner}
}

// OwnedBy returns a filter matching records owned by a handle.
func OwnedBy[T any](owner int64) Filter[T] {
	return Filter[T]{Owner: owner}
}

// Store is a handle indexed store of T records with a write-through cache in front of a Backend.
type Store[T any] struct {
	name      string
	backend   Backend
	cache     *cache.HandleCache[Row]
	versioned bool
	retries   int
	backoff   backoff.Strategy
}

// New creates a store over a backend.
func New[T any](name string, backend Backend, opts ...Option) (*Store[T], error) {
	s := &settings{
		cacheItems: 1 << 16,
		versioned:  true,
		retries:    DefaultConflictRetries,
		backoff:    DefaultConflictBackoff,
	}
	for _, o := range opts {
		o.configure(s)
	}
	cb, err := cache.NewRistrettoCacheBackend[int64, Row](s.cacheItems)
	if err != nil {
		return nil, fmt.Errorf("create %s store cache: %w", name, err)
	}
	return &Store[T]{
		name:      name,
		backend:   backend,
		cache:     cache.NewVersionedHandleCache[Row](cb, func(r Row) uint64 { return r.Version }),
		versioned: s.versioned,
		retries:   s.retries,
		backoff:   s.backoff,
	}, nil
}

// Name returns the store name.
func (s *Store[T]) Name() string {
	return s.name
}

func (s *Store[T]) trace(ctx context.Context, msg string, h int64) {
	log := logx.FromContext(ctx)
	if log.Enabled(ctx, errors2.TraceLevel) {
		log.Log(ctx, errors2.TraceLevel, msg, slog.String(keys.Store, s.name), slog.Int64(keys.Handle, h))
	}
}

func (s *Store[T]) decode(r Row) (Record[T], error) {
	v := new(T)
	if err := msgpack.Unmarshal(r.Data, v); err != nil {
		return Record[T]{}, fmt.Errorf("decode %s record %d: %w", s.name, r.Handle, err)
	}
	return Record[T]{Handle: r.Handle, Owner: r.Owner, Version: r.Version, Value: v}, nil
}

// Put persists a new record and returns it with its assigned handle.
func (s *Store[T]) Put(ctx context.Context, owner int64, v *T) (Record[T], error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return Record[T]{}, fmt.Errorf("encode %s record: %w", s.name, err)
	}
	r, err := s.backend.Insert(ctx, owner, b)
	if err != nil {
		return Record[T]{}, fmt.Errorf("put %s record: %w", s.name, err)
	}
	if _, err := s.cache.Store(r.Handle, func() (Row, error) { return r, nil }); err != nil {
		return Record[T]{}, err
	}
	s.trace(ctx, "put", r.Handle)
	return Record[T]{Handle: r.Handle, Owner: owner, Version: r.Version, Value: v}, nil
}

// Get returns a record, or an error wrapping errors.ErrNotFound.
func (s *Store[T]) Get(ctx context.Context, h int64) (Record[T], error) {
	r, err := cache.Cacheable(h, func() (Row, error) {
		return s.backend.Get(ctx, h)
	}, s.cache)
	if err != nil {
		return Record[T]{}, fmt.Errorf("get %s record: %w", s.name, err)
	}
	return s.decode(r)
}

// Set writes a record back.  On a versioned store the write fails with errors.ErrConflict
// when the stored version moved on since rec was read.
func (s *Store[T]) Set(ctx context.Context, rec Record[T]) (Record[T], error) {
	b, err := msgpack.Marshal(rec.Value)
	if err != nil {
		return Record[T]{}, fmt.Errorf("encode %s record %d: %w", s.name, rec.Handle, err)
	}
	var version uint64
	if s.versioned {
		version = rec.Version
	}
	r, err := s.cache.Store(rec.Handle, func() (Row, error) {
		return s.backend.Update(ctx, rec.Handle, version, b)
	})
	if err != nil {
		return Record[T]{}, fmt.Errorf("set %s record: %w", s.name, err)
	}
	s.trace(ctx, "set", rec.Handle)
	return Record[T]{Handle: r.Handle, Owner: r.Owner, Version: r.Version, Value: rec.Value}, nil
}

// Update applies fn to the current value of a record and writes it back,
// re-reading and re-applying fn when the write conflicts.
// An error returned by fn aborts the update without writing.
// Conflicts that outlast the retry bound are returned as fatal errors.
func (s *Store[T]) Update(ctx context.Context, h int64, fn func(v *T) error) (Record[T], error) {
	var lastErr error
	for n := 0; n <= s.retries; n++ {
		rec, err := s.Get(ctx, h)
		if err != nil {
			return Record[T]{}, err
		}
		if err := fn(rec.Value); err != nil {
			return rec, err
		}
		out, err := s.Set(ctx, rec)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errors2.ErrConflict) {
			return Record[T]{}, err
		}
		lastErr = err
		s.trace(ctx, "update conflict", h)
		if err := linger.Sleep(ctx, s.backoff(err, uint(n))); err != nil {
			return Record[T]{}, fmt.Errorf("update %s record %d: %w", s.name, h, err)
		}
	}
	return Record[T]{}, &errors2.ErrWorkflowFatal{Err: fmt.Errorf("update %s record %d after %d retries: %w", s.name, h, s.retries, lastErr)}
}

// Remove deletes a record, reporting whether it existed.
func (s *Store[T]) Remove(ctx context.Context, h int64) (bool, error) {
	ok, err := s.backend.Delete(ctx, h)
	s.cache.Evict(h)
	if err != nil {
		return false, fmt.Errorf("remove %s record: %w", s.name, err)
	}
	s.trace(ctx, "remove", h)
	return ok, nil
}

// ForEach lazily yields the records selected by f.  Iteration stops after the first error.
func (s *Store[T]) ForEach(ctx context.Context, f Filter[T]) iter.Seq2[Record[T], error] {
	return func(yield func(Record[T], error) bool) {
		for r, err := range s.backend.Scan(ctx, f.Owner) {
			if err != nil {
				yield(Record[T]{}, fmt.Errorf("scan %s: %w", s.name, err))
				return
			}
			rec, err := s.decode(r)
			if err != nil {
				yield(Record[T]{}, err)
				return
			}
			if f.Match != nil && !f.Match(rec.Value) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collect gathers the records selected by f.
func (s *Store[T]) Collect(ctx context.Context, f Filter[T]) ([]Record[T], error) {
	var ret []Record[T]
	for rec, err := range s.ForEach(ctx, f) {
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	return ret, nil
}

// Clear removes every record.
func (s *Store[T]) Clear(ctx context.Context) error {
	err := s.backend.Clear(ctx)
	s.cache.Clear()
	if err != nil {
		return fmt.Errorf("clear %s: %w", s.name, err)
	}
	return nil
}

// Close closes the backend.
func (s *Store[T]) Close() error {
	s.cache.Clear()
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}
