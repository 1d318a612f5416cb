package verifyedge

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	q:seq                     last assigned id (uint64, big endian)
//	q:e:<id>                  QueueEntry (msgpack)
//	q:s:<status>:<id>         status index, empty value
var (
	keyQueueSeq    = []byte("q:seq")
	prefixQueueEnt = []byte("q:e:")
	prefixQueueIdx = []byte("q:s:")
)

// syncWrite makes every queue mutation durable before it is acknowledged.
var syncWrite = &opt.WriteOptions{Sync: true}

// Payload is the uploaded certificate file carried by a submission.
type Payload struct {
	Filename    string
	ContentType string
	Content     []byte

	// IdempotencyKey is reused when set, so a replay carries the key of the
	// first attempt.
	IdempotencyKey string
}

// Queue is the durable offline submission queue. Each mutation touches exactly
// one entry and is written as a single synced batch.
type Queue struct {
	db  *leveldb.DB
	now func() time.Time

	// mu serializes id assignment and per-entry read-modify-write.
	mu sync.Mutex
}

func NewQueue(db *leveldb.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func idBytes(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func entryKey(id uint64) []byte {
	return append(append([]byte{}, prefixQueueEnt...), idBytes(id)...)
}

func statusPrefix(s Status) []byte {
	b := append([]byte{}, prefixQueueIdx...)
	b = append(b, string(s)...)
	return append(b, ':')
}

func statusKey(s Status, id uint64) []byte {
	return append(statusPrefix(s), idBytes(id)...)
}

// Enqueue persists p as a new pending entry with a fresh id.
func (q *Queue) Enqueue(p Payload) (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var last uint64
	b, err := q.db.Get(keyQueueSeq, nil)
	switch {
	case err == nil && len(b) == 8:
		last = binary.BigEndian.Uint64(b)
	case err == nil:
		return QueueEntry{}, fmt.Errorf("corrupt queue sequence (%d bytes)", len(b))
	case err != leveldb.ErrNotFound:
		return QueueEntry{}, err
	}

	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	e := QueueEntry{
		ID:             last + 1,
		IdempotencyKey: key,
		Filename:       p.Filename,
		ContentType:    p.ContentType,
		Size:           int64(len(p.Content)),
		Content:        p.Content,
		CreatedAt:      q.now().UTC(),
		Status:         StatusPending,
	}
	eb, err := encodeQueueEntry(e)
	if err != nil {
		return QueueEntry{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(keyQueueSeq, idBytes(e.ID))
	batch.Put(entryKey(e.ID), eb)
	batch.Put(statusKey(StatusPending, e.ID), nil)
	if err := q.db.Write(batch, syncWrite); err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}

func (q *Queue) Get(id uint64) (QueueEntry, error) {
	b, err := q.db.Get(entryKey(id), nil)
	if err == leveldb.ErrNotFound {
		return QueueEntry{}, fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return QueueEntry{}, err
	}
	return decodeQueueEntry(b)
}

// Pending returns every pending entry in id order.
func (q *Queue) Pending() ([]QueueEntry, error) {
	return q.List(StatusPending)
}

// List returns every entry with status s in id order.
func (q *Queue) List(s Status) ([]QueueEntry, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %q", s)
	}
	ids, err := q.ids(s)
	if err != nil {
		return nil, err
	}
	out := make([]QueueEntry, 0, len(ids))
	for _, id := range ids {
		e, err := q.Get(id)
		if err != nil {
			// index raced with a prune
			continue
		}
		if e.Status != s {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (q *Queue) ids(s Status) ([]uint64, error) {
	prefix := statusPrefix(s)
	it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var ids []uint64
	for it.Next() {
		k := it.Key()
		if len(k) != len(prefix)+8 {
			continue
		}
		ids = append(ids, binary.BigEndian.Uint64(k[len(prefix):]))
	}
	return ids, it.Error()
}

// Counts returns the number of pending and synced entries.
func (q *Queue) Counts() (pending, synced int, err error) {
	p, err := q.ids(StatusPending)
	if err != nil {
		return 0, 0, err
	}
	s, err := q.ids(StatusSynced)
	if err != nil {
		return 0, 0, err
	}
	return len(p), len(s), nil
}

// MarkSynced moves a pending entry to synced. Marking an already synced entry
// is a no-op; there is no way back to pending.
func (q *Queue) MarkSynced(id uint64) (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.Get(id)
	if err != nil {
		return QueueEntry{}, err
	}
	if e.Status == StatusSynced {
		return e, nil
	}
	e.Status = StatusSynced
	e.SyncedAt = q.now().UTC()
	e.Attempts++
	e.LastError = ""
	eb, err := encodeQueueEntry(e)
	if err != nil {
		return QueueEntry{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(id), eb)
	batch.Delete(statusKey(StatusPending, id))
	batch.Put(statusKey(StatusSynced, id), nil)
	if err := q.db.Write(batch, syncWrite); err != nil {
		return QueueEntry{}, err
	}
	return e, nil
}

// RecordFailure notes a failed redelivery on a pending entry. The entry stays
// pending; synced entries are left untouched.
func (q *Queue) RecordFailure(id uint64, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.Get(id)
	if err != nil {
		return err
	}
	if e.Status != StatusPending {
		return nil
	}
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	eb, err := encodeQueueEntry(e)
	if err != nil {
		return err
	}
	return q.db.Put(entryKey(id), eb, syncWrite)
}

// Prune deletes synced entries whose SyncedAt is before cutoff. Pending
// entries are never pruned.
func (q *Queue) Prune(cutoff time.Time) (int, error) {
	ids, err := q.ids(StatusSynced)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pruned := 0
	for _, id := range ids {
		e, err := q.Get(id)
		if err != nil {
			continue
		}
		if e.Status != StatusSynced || !e.SyncedAt.Before(cutoff) {
			continue
		}
		batch := new(leveldb.Batch)
		batch.Delete(entryKey(id))
		batch.Delete(statusKey(StatusSynced, id))
		if err := q.db.Write(batch, syncWrite); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
