// Package fault defines the error taxonomy shared by every snapq component.
//
// Errors are classified by Kind so callers can decide locally whether to
// retry, record the failure on a task, or restart a component, without
// string matching on messages.
package fault

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Kind categorizes a failure for propagation decisions.
type Kind string

const (
	// Unknown is the default for errors that carry no classification.
	Unknown Kind = "UNKNOWN"

	// Transient is a temporary failure of a shared dependency (broker
	// unreachable, SQLite busy). Retried locally with bounded backoff.
	Transient Kind = "TRANSIENT"

	// Auth is a missing, invalid or expired credential.
	Auth Kind = "AUTH"

	// Validation is malformed client input: bad chunk, bad base64, unknown file.
	Validation Kind = "VALIDATION"

	// Processing is a failure raised by the processor for one task.
	Processing Kind = "PROCESSING"

	// Resource is a worker exceeding its memory ceiling.
	Resource Kind = "RESOURCE"

	// LeaderLost means the scheduler leader lease was lost or not renewed.
	LeaderLost Kind = "LEADER_LOST"

	// Conflict is a version-checked write that lost a race.
	Conflict Kind = "CONFLICT"

	// NotFound is a lookup for a record that does not exist.
	NotFound Kind = "NOT_FOUND"
)

// Error is a classified error. Op names the operation that failed
// ("broker.push", "ingress.chunk").
type Error struct {
	Kind      Kind
	Op        string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind and operation name. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a classified error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Permanent marks err as not worth retrying. A task nacked with a permanent
// cause is dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		cp.Permanent = true
		return &cp
	}
	return &Error{Kind: Processing, Permanent: true, Err: err}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var fe *Error
	for errors.As(err, &fe) {
		if fe.Permanent {
			return true
		}
		err = fe.Err
	}
	return false
}

// Backoff configures Retry.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff waits a little over a second in total.
var DefaultBackoff = Backoff{Attempts: 5, Base: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// Retry calls f until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx ends. Delays grow exponentially with ±25%
// jitter.
func Retry(ctx context.Context, b Backoff, f func() error) error {
	if b.Attempts <= 0 {
		b = DefaultBackoff
	}
	var err error
	for attempt := 0; attempt <= b.Attempts; attempt++ {
		err = f()
		if err == nil || KindOf(err) != Transient || attempt == b.Attempts {
			return err
		}
		delay := b.Base << uint(attempt)
		if delay > b.Max || delay <= 0 {
			delay = b.Max
		}
		if half := int64(delay / 2); half > 0 {
			delay = delay - delay/4 + time.Duration(rand.Int64N(half))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
