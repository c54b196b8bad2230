// Package broker is the durable store behind every queue, task record,
// transition log and coordination key. All cross-component coordination goes
// through the atomic operations defined on Store.
package broker

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusRetry   Status = "RETRY"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Queued reports whether a task in this status sits in a pending list.
func (s Status) Queued() bool {
	return s == StatusPending || s == StatusRetry
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusStarted: {},
	},
	StatusRetry: {
		StatusStarted: {},
	},
	StatusStarted: {
		StatusSuccess: {},
		StatusRetry:   {},
		StatusFailure: {},
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Transition reason codes recorded on events.
const (
	ReasonEnqueued     = "ENQUEUED"
	ReasonLeased       = "LEASED"
	ReasonAcked        = "ACKED"
	ReasonRetry        = "RETRY"
	ReasonLeaseExpired = "LEASE_EXPIRED"
	ReasonDeadLetter   = "DEAD_LETTER_MAX_RETRIES"
	ReasonPermanent    = "DEAD_LETTER_PERMANENT"
)

var (
	// ErrEmpty is returned by PopLease when no task is available.
	ErrEmpty = errors.New("broker: queue empty")
	// ErrNotFound is returned for unknown task ids.
	ErrNotFound = errors.New("broker: task not found")
	// ErrDuplicate is returned by Push when a non-failed task with the same
	// content hash exists. The existing task is returned alongside it.
	ErrDuplicate = errors.New("broker: duplicate content")
	// ErrConflict is returned by a version-checked write with a stale version.
	ErrConflict = errors.New("broker: version conflict")
	// ErrLeaseLost is returned when the caller no longer holds the task lease.
	ErrLeaseLost = errors.New("broker: lease not held")
	// ErrTerminal is returned for writes against SUCCESS or FAILURE tasks.
	ErrTerminal = errors.New("broker: task is terminal")
)

// Meta carries ingress metadata for a task.
type Meta struct {
	Identity    string `json:"identity,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Size        int64  `json:"size,omitempty"`
	// TraceParent is the W3C traceparent of the span that enqueued the task.
	TraceParent string `json:"trace_parent,omitempty"`
}

// Cause is the recorded reason for a failed attempt.
type Cause struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Permanent bool      `json:"permanent,omitempty"`
	At        time.Time `json:"at"`
}

// Task is one unit of work. VisibleAt, when set, holds a RETRY task back
// from dispatch until its retry backoff has elapsed.
type Task struct {
	ID             string     `json:"id"`
	Queue          string     `json:"queue"`
	Kind           string     `json:"kind"`
	Payload        []byte     `json:"payload,omitempty"`
	Meta           Meta       `json:"meta"`
	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxRetries     int        `json:"max_retries"`
	Version        int64      `json:"version"`
	Result         []byte     `json:"result,omitempty"`
	Error          *Cause     `json:"error,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	VisibleAt      *time.Time `json:"visible_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the task passed its optional start deadline.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Event is one row of a task's transition log.
type Event struct {
	Seq     int64     `json:"seq"`
	TaskID  string    `json:"task_id"`
	Version int64     `json:"version"`
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	Worker  string    `json:"worker,omitempty"`
	Error   *Cause    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Filter narrows ListTasks. Zero fields match everything.
type Filter struct {
	Queue  string
	Status Status
}

// Store is the broker contract. Implementations must make every method
// safe for concurrent use across processes sharing the same backend.
type Store interface {
	// Push inserts task as PENDING at the tail of its queue. When task.Meta
	// carries a content hash already owned by a non-FAILURE task, it returns
	// that task and ErrDuplicate.
	Push(ctx context.Context, task *Task) (*Task, error)

	// PopLease requeues expired leases of queue, then leases the oldest
	// visible queued task to workerID until now+lease. The tasks it reaped
	// on the way are returned even when the queue turns out empty.
	PopLease(ctx context.Context, queue, workerID string, lease time.Duration) (*Task, []*Task, error)

	// Ack marks a leased task SUCCESS.
	Ack(ctx context.Context, taskID, workerID string, version int64, result []byte) (*Task, error)

	// Nack records a failed attempt. The task goes back to the tail of its
	// queue as RETRY, hidden from PopLease for delay, or to FAILURE when
	// retries are exhausted or the cause is permanent.
	Nack(ctx context.Context, taskID, workerID string, version int64, cause Cause, delay time.Duration) (*Task, error)

	// ExtendLease pushes the lease expiry of a held task to now+lease.
	ExtendLease(ctx context.Context, taskID, workerID string, lease time.Duration) (*Task, error)

	// ReapExpired treats every expired lease in queue as a nack and returns
	// the affected tasks.
	ReapExpired(ctx context.Context, queue string) ([]*Task, error)

	// CAS sets key to next if its current value equals expected. A nil
	// expected matches an absent or expired key; a nil next deletes it. A
	// zero ttl never expires.
	CAS(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)

	// Load returns the value of key, or nil when absent or expired.
	Load(ctx context.Context, key string) ([]byte, error)

	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, filter Filter, after string, limit int) ([]*Task, error)
	Events(ctx context.Context, taskID string) ([]Event, error)
	Depth(ctx context.Context, queue string) (int, error)

	// Purge deletes terminal tasks last updated before the cutoff, along with
	// their events and any expired keys.
	Purge(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time. Stores accept one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// applyNack computes the post-nack state of t in place and returns the new
// status and reason code. Shared by every backend.
func applyNack(t *Task, cause Cause, now time.Time, delay time.Duration) (Status, string) {
	t.AttemptCount++
	c := cause
	if c.At.IsZero() {
		c.At = now
	}
	t.Error = &c
	t.LeaseOwner = ""
	t.LeaseExpiresAt = nil
	t.VisibleAt = nil
	t.Version++
	t.UpdatedAt = now
	switch {
	case cause.Permanent:
		t.Status = StatusFailure
		return StatusFailure, ReasonPermanent
	case t.AttemptCount > t.MaxRetries:
		t.Status = StatusFailure
		return StatusFailure, ReasonDeadLetter
	default:
		t.Status = StatusRetry
		if delay > 0 {
			at := now.Add(delay)
			t.VisibleAt = &at
		}
		return StatusRetry, ReasonRetry
	}
}

// checkHolder validates that workerID holds the lease on t at version.
func checkHolder(t *Task, workerID string, version int64, now time.Time) error {
	if t.Status.Terminal() {
		return ErrTerminal
	}
	if t.Status != StatusStarted || t.LeaseOwner != workerID {
		return ErrLeaseLost
	}
	if t.LeaseExpiresAt != nil && !now.Before(*t.LeaseExpiresAt) {
		return ErrLeaseLost
	}
	if version != 0 && t.Version != version {
		return ErrConflict
	}
	return nil
}
