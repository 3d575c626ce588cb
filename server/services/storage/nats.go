package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	errors2 "gitlab.com/shar-workflow/taskflow/server/errors"
)

// JSErrCodeStreamWrongLastSequence is the JetStream API error returned when a revision checked KV update loses a race.
const JSErrCodeStreamWrongLastSequence = 10071

const (
	natsSeqKey    = "seq"
	natsRowPrefix = "rec."
	natsOwnPrefix = "own."
)

// NatsBackend stores rows in a JetStream key value bucket.
// Row versions are the KV revisions of the row keys.
// Each row has an owner index key of the form own.<owner>.<handle>.
type NatsBackend struct {
	kv jetstream.KeyValue
}

var _ Backend = (*NatsBackend)(nil)

// NewNatsBackend creates or opens the key value bucket for a store.
func NewNatsBackend(ctx context.Context, js jetstream.JetStream, bucket string, storage jetstream.StorageType) (*NatsBackend, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: storage,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", bucket, err)
	}
	return &NatsBackend{kv: kv}, nil
}

func rowKey(h int64) string {
	return natsRowPrefix + strconv.FormatInt(h, 10)
}

func ownerKey(owner int64, h int64) string {
	return natsOwnPrefix + strconv.FormatInt(owner, 10) + "." + strconv.FormatInt(h, 10)
}

func isWrongLastSequence(err error) bool {
	testErr := &jetstream.APIError{}
	return errors.As(err, &testErr) && testErr.ErrorCode == JSErrCodeStreamWrongLastSequence
}

func natsValue(owner int64, data []byte) []byte {
	v := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(v, uint64(owner))
	copy(v[8:], data)
	return v
}

func natsRow(h int64, e jetstream.KeyValueEntry) (Row, error) {
	v := e.Value()
	if len(v) < 8 {
		return Row{}, fmt.Errorf("row %d is truncated", h)
	}
	return Row{
		Handle:  h,
		Owner:   int64(binary.BigEndian.Uint64(v)),
		Version: e.Revision(),
		Data:    slices.Clone(v[8:]),
	}, nil
}

// nextHandle increments the sequence key with a revision checked update, retrying lost races.
func (n *NatsBackend) nextHandle(ctx context.Context) (int64, error) {
	for {
		entry, err := n.kv.Get(ctx, natsSeqKey)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := n.kv.Create(ctx, natsSeqKey, []byte("1")); err != nil {
				if errors.Is(err, jetstream.ErrKeyExists) {
					continue
				}
				return 0, fmt.Errorf("create sequence: %w", err)
			}
			return 1, nil
		} else if err != nil {
			return 0, fmt.Errorf("get sequence: %w", err)
		}
		cur, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse sequence: %w", err)
		}
		if _, err := n.kv.Update(ctx, natsSeqKey, []byte(strconv.FormatInt(cur+1, 10)), entry.Revision()); err != nil {
			if isWrongLastSequence(err) {
				continue
			}
			return 0, fmt.Errorf("update sequence: %w", err)
		}
		return cur + 1, nil
	}
}

// Insert allocates a handle and writes the row and its owner index key.
func (n *NatsBackend) Insert(ctx context.Context, owner int64, data []byte) (Row, error) {
	h, err := n.nextHandle(ctx)
	if err != nil {
		return Row{}, fmt.Errorf("insert kv row: %w", err)
	}
	rev, err := n.kv.Create(ctx, rowKey(h), natsValue(owner, data))
	if err != nil {
		return Row{}, fmt.Errorf("insert kv row %d: %w", h, err)
	}
	if _, err := n.kv.Put(ctx, ownerKey(owner, h), nil); err != nil {
		return Row{}, fmt.Errorf("index kv row %d: %w", h, err)
	}
	return Row{Handle: h, Owner: owner, Version: rev, Data: data}, nil
}

// Get reads a row.
func (n *NatsBackend) Get(ctx context.Context, handle int64) (Row, error) {
	entry, err := n.kv.Get(ctx, rowKey(handle))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Row{}, fmt.Errorf("get kv row %d: %w", handle, errors2.ErrNotFound)
	} else if err != nil {
		return Row{}, fmt.Errorf("get kv row %d: %w", handle, err)
	}
	return natsRow(handle, entry)
}

// Update writes the row at the given revision.  A zero version updates at the current revision.
func (n *NatsBackend) Update(ctx context.Context, handle int64, version uint64, data []byte) (Row, error) {
	cur, err := n.Get(ctx, handle)
	if err != nil {
		return Row{}, err
	}
	rev := version
	if rev == 0 {
		rev = cur.Version
	}
	newRev, err := n.kv.Update(ctx, rowKey(handle), natsValue(cur.Owner, data), rev)
	if err != nil {
		if isWrongLastSequence(err) {
			return Row{}, fmt.Errorf("update kv row %d at revision %d: %w", handle, rev, errors2.ErrConflict)
		}
		return Row{}, fmt.Errorf("update kv row %d: %w", handle, err)
	}
	return Row{Handle: handle, Owner: cur.Owner, Version: newRev, Data: data}, nil
}

// Delete removes a row and its owner index key.
func (n *NatsBackend) Delete(ctx context.Context, handle int64) (bool, error) {
	cur, err := n.Get(ctx, handle)
	if errors.Is(err, errors2.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if err := n.kv.Delete(ctx, rowKey(handle)); err != nil {
		return false, fmt.Errorf("delete kv row %d: %w", handle, err)
	}
	if err := n.kv.Delete(ctx, ownerKey(cur.Owner, handle)); err != nil {
		return false, fmt.Errorf("delete kv index for row %d: %w", handle, err)
	}
	return true, nil
}

// keys returns the live keys matching a subject filter.
func (n *NatsBackend) keys(ctx context.Context, filter string) ([]string, error) {
	w, err := n.kv.Watch(ctx, filter, jetstream.IgnoreDeletes(), jetstream.MetaOnly())
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", filter, err)
	}
	defer func() {
		_ = w.Stop()
	}()
	var ret []string
	for {
		select {
		case entry := <-w.Updates():
			if entry == nil {
				return ret, nil
			}
			ret = append(ret, entry.Key())
		case <-ctx.Done():
			return nil, fmt.Errorf("watch %s: %w", filter, ctx.Err())
		}
	}
}

// Scan lists the owner index keys, then yields each row lazily.
func (n *NatsBackend) Scan(ctx context.Context, owner int64) iter.Seq2[Row, error] {
	filter := natsRowPrefix + "*"
	if owner != AnyOwner {
		filter = natsOwnPrefix + strconv.FormatInt(owner, 10) + ".*"
	}
	ks, err := n.keys(ctx, filter)
	if err != nil {
		return failed(err)
	}
	handles := make([]int64, 0, len(ks))
	for _, k := range ks {
		h, err := strconv.ParseInt(k[strings.LastIndexByte(k, '.')+1:], 10, 64)
		if err != nil {
			return failed(fmt.Errorf("parse key %s: %w", k, err))
		}
		handles = append(handles, h)
	}
	slices.Sort(handles)
	return func(yield func(Row, error) bool) {
		for _, h := range handles {
			r, err := n.Get(ctx, h)
			if errors.Is(err, errors2.ErrNotFound) {
				continue
			}
			if !yield(r, err) || err != nil {
				return
			}
		}
	}
}

// Clear deletes every row and index key.  The sequence key is kept.
func (n *NatsBackend) Clear(ctx context.Context) error {
	for _, filter := range []string{natsRowPrefix + "*", natsOwnPrefix + ">"} {
		ks, err := n.keys(ctx, filter)
		if err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		for _, k := range ks {
			if err := n.kv.Delete(ctx, k); err != nil {
				return fmt.Errorf("clear %s: %w", k, err)
			}
		}
	}
	return nil
}

// Close is a no-op; the connection belongs to the caller.
func (n *NatsBackend) Close() error {
	return nil
}
