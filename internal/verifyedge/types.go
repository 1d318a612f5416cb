package verifyedge

import (
	"net/http"
	"time"
)

// CacheEntry is one response snapshot stored in a cache generation.
type CacheEntry struct {
	Status   int         `cbor:"1,keyasint"`
	Header   http.Header `cbor:"2,keyasint"`
	Body     []byte      `cbor:"3,keyasint"`
	StoredAt int64       `cbor:"4,keyasint"` // unix seconds
	Hash32   uint32      `cbor:"5,keyasint"`

	// Precached entries were fetched by Install and are never evicted for
	// disk pressure; runtime entries are.
	Precached bool `cbor:"6,keyasint"`
}

// Status is the delivery state of a queued verification request.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusSynced
}

// QueueEntry is a verification submission deferred while the origin was
// unreachable.
type QueueEntry struct {
	ID             uint64 `msgpack:"id"`
	IdempotencyKey string `msgpack:"idem"`

	Filename    string `msgpack:"filename"`
	ContentType string `msgpack:"ctype"`
	Size        int64  `msgpack:"size"`
	Content     []byte `msgpack:"content"`

	CreatedAt time.Time `msgpack:"created_at"`
	SyncedAt  time.Time `msgpack:"synced_at"`
	Status    Status    `msgpack:"status"`

	// Attempts and LastError are diagnostic only; they never gate retries.
	Attempts  int    `msgpack:"attempts"`
	LastError string `msgpack:"last_error"`
}

// QueueSummary is a QueueEntry without its payload bytes.
type QueueSummary struct {
	ID        uint64    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	SyncedAt  time.Time `json:"syncedAt,omitempty"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
}

func (e QueueEntry) Summary() QueueSummary {
	return QueueSummary{
		ID:        e.ID,
		Filename:  e.Filename,
		Size:      e.Size,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
		SyncedAt:  e.SyncedAt,
		Attempts:  e.Attempts,
		LastError: e.LastError,
	}
}

// OutcomeKind distinguishes how a verification submission was handled.
type OutcomeKind int

const (
	// Delivered: the origin answered and its response is relayed as is.
	Delivered OutcomeKind = iota + 1
	// Deferred: the origin was unreachable and the payload was queued.
	Deferred
	// Rejected: the submission carried no usable payload.
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of Submit. Exactly one of Response, EntryID or Err is
// meaningful, selected by Kind.
type Outcome struct {
	Kind     OutcomeKind
	Response CacheEntry
	EntryID  uint64
	Filename string
	Err      error
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Attempted int
	Synced    int
	Failed    int
}

// HealthStatus is the body of the status query.
type HealthStatus struct {
	IsOnline  bool `json:"isOnline"`
	CacheSize int  `json:"cacheSize"`
}
