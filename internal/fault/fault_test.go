package fault_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/snapq/internal/fault"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want fault.Kind
	}{
		{"nil", nil, fault.Unknown},
		{"plain", base, fault.Unknown},
		{"direct", fault.E(fault.Transient, "broker.push", base), fault.Transient},
		{"wrapped", fmt.Errorf("enqueue: %w", fault.E(fault.Validation, "ingress.chunk", base)), fault.Validation},
		{"deadline", context.DeadlineExceeded, fault.Transient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := fault.KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	base := errors.New("disk full")
	err := fault.E(fault.Resource, "worker.run", base)
	if !errors.Is(err, base) {
		t.Fatal("expected errors.Is to reach the wrapped error")
	}
	if got, want := err.Error(), "worker.run: RESOURCE: disk full"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if fault.E(fault.Auth, "x", nil) != nil {
		t.Fatal("E(nil) should be nil")
	}
}

func TestPermanent(t *testing.T) {
	plain := errors.New("unsupported format")
	if fault.IsPermanent(plain) {
		t.Fatal("plain error should not be permanent")
	}
	p := fault.Permanent(plain)
	if !fault.IsPermanent(p) {
		t.Fatal("expected permanent")
	}
	if fault.KindOf(p) != fault.Processing {
		t.Fatalf("kind = %s, want PROCESSING", fault.KindOf(p))
	}
	wrapped := fmt.Errorf("inspect: %w", fault.Permanent(fault.E(fault.Validation, "decode", plain)))
	if !fault.IsPermanent(wrapped) || fault.KindOf(wrapped) != fault.Validation {
		t.Fatalf("wrapped permanent lost classification: %v", wrapped)
	}
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	err := fault.Retry(context.Background(), fault.Backoff{Attempts: 5, Base: time.Millisecond, Max: time.Millisecond}, func() error {
		calls++
		return fault.New(fault.Validation, "op", "bad")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !fault.Is(err, fault.Validation) {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := fault.Retry(context.Background(), fault.Backoff{Attempts: 5, Base: time.Millisecond, Max: 2 * time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return fault.New(fault.Transient, "op", "busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryExhausts(t *testing.T) {
	calls := 0
	err := fault.Retry(context.Background(), fault.Backoff{Attempts: 2, Base: time.Millisecond, Max: time.Millisecond}, func() error {
		calls++
		return fault.New(fault.Transient, "op", "down")
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !fault.Is(err, fault.Transient) {
		t.Fatalf("unexpected err: %v", err)
	}
}
