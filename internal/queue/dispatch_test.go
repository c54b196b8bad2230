package queue

import (
	"path/filepath"
	"testing"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/config"
)

func newDispatchManager(t *testing.T, queues []config.QueueEntry, minShare float64) *Manager {
	t.Helper()
	store, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "d.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m, err := New(Config{Store: store, Queues: queues, MinShare: minShare})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return m
}

func TestDispatchOrderMinShareProtectsSmallQueue(t *testing.T) {
	m := newDispatchManager(t, []config.QueueEntry{
		{Name: "bulk", Weight: 100},
		{Name: "small", Weight: 1},
	}, 0.1)

	first := map[string]int{}
	for i := 0; i < 1101; i++ {
		first[m.dispatchOrder(nil)[0].name]++
	}
	// Effective weights are 100 and 10.1, so small gets about 9% of picks.
	if first["small"] < 95 || first["small"] > 105 {
		t.Fatalf("small queue picked first %d times out of 1101", first["small"])
	}
}

func TestDispatchOrderWithoutMinShare(t *testing.T) {
	m := newDispatchManager(t, []config.QueueEntry{
		{Name: "bulk", Weight: 100},
		{Name: "small", Weight: 1},
	}, 0)
	first := map[string]int{}
	for i := 0; i < 101; i++ {
		first[m.dispatchOrder(nil)[0].name]++
	}
	if first["small"] != 1 {
		t.Fatalf("small picked %d times, want exactly 1 per 101", first["small"])
	}
}

func TestDispatchOrderIncludesEveryCandidate(t *testing.T) {
	m := newDispatchManager(t, []config.QueueEntry{
		{Name: "a", Weight: 1}, {Name: "b", Weight: 2}, {Name: "c", Weight: 3},
	}, 0)
	order := m.dispatchOrder(nil)
	if len(order) != 3 {
		t.Fatalf("order len = %d", len(order))
	}
	seen := map[string]bool{}
	for _, l := range order {
		seen[l.name] = true
	}
	if !seen["a"] || !seen["b"] || !seen["c"] {
		t.Fatalf("order = %v", seen)
	}
	if only := m.dispatchOrder([]string{"b"}); len(only) != 1 || only[0].name != "b" {
		t.Fatalf("restricted order = %+v", only)
	}
}

func TestNewRejectsDuplicateQueue(t *testing.T) {
	store, err := broker.OpenSQLite(filepath.Join(t.TempDir(), "d.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if _, err := New(Config{Store: store, Queues: []config.QueueEntry{{Name: "a"}, {Name: "a"}}}); err == nil {
		t.Fatal("expected duplicate queue error")
	}
}
