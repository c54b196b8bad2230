// Package tracker answers status queries and streams task transitions. Reads
// go to the broker; the in-process bus only shortens latency for tasks
// settled in this process.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
)

const (
	defaultPageSize     = 100
	defaultPollInterval = 500 * time.Millisecond
	subscriberBuffer    = 16
)

type Config struct {
	Store        broker.Store
	Bus          *bus.Bus
	PollInterval time.Duration
	PageSize     int
	Logger       *slog.Logger
}

type Tracker struct {
	store    broker.Store
	bus      *bus.Bus
	poll     time.Duration
	pageSize int
	logger   *slog.Logger
}

func New(cfg Config) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{store: cfg.Store, bus: cfg.Bus, poll: cfg.PollInterval, pageSize: cfg.PageSize, logger: cfg.Logger}
}

// Get returns the task or an error matching broker.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, taskID string) (*broker.Task, error) {
	task, err := t.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// List pages lazily through tasks matching filter in creation order. The
// sequence stops after the first error.
func (t *Tracker) List(ctx context.Context, filter broker.Filter) iter.Seq2[*broker.Task, error] {
	return func(yield func(*broker.Task, error) bool) {
		after := ""
		for {
			page, err := t.store.ListTasks(ctx, filter, after, t.pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("list tasks: %w", err))
				return
			}
			for _, task := range page {
				if !yield(task, nil) {
					return
				}
			}
			if len(page) < t.pageSize {
				return
			}
			after = page[len(page)-1].ID
		}
	}
}

// Collect drains up to limit tasks from seq. limit <= 0 means no limit.
func Collect(seq iter.Seq2[*broker.Task, error], limit int) ([]*broker.Task, error) {
	var out []*broker.Task
	for task, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// History returns the full transition log of a task, oldest first.
func (t *Tracker) History(ctx context.Context, taskID string) ([]broker.Event, error) {
	if _, err := t.Get(ctx, taskID); err != nil {
		return nil, err
	}
	events, err := t.store.Events(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", taskID, err)
	}
	return events, nil
}

// Subscribe streams transitions of taskID that happen after the call. If
// the task is already terminal its final event is sent at once. The channel
// closes after a terminal event or when ctx ends.
func (t *Tracker) Subscribe(ctx context.Context, taskID string) (<-chan broker.Event, error) {
	var sub *bus.Subscription
	if t.bus != nil {
		sub = t.bus.Subscribe(bus.TaskTopic(taskID))
	}
	history, err := t.History(ctx, taskID)
	if err != nil {
		t.bus.Unsubscribe(sub)
		return nil, err
	}

	out := make(chan broker.Event, subscriberBuffer)
	var last int64
	if n := len(history); n > 0 {
		last = history[n-1].Version
		if history[n-1].To.Terminal() {
			out <- history[n-1]
			close(out)
			t.bus.Unsubscribe(sub)
			return out, nil
		}
	}
	go t.follow(ctx, taskID, sub, last, out)
	return out, nil
}

func (t *Tracker) follow(ctx context.Context, taskID string, sub *bus.Subscription, last int64, out chan<- broker.Event) {
	defer close(out)
	defer t.bus.Unsubscribe(sub)

	var busCh <-chan bus.Event
	if sub != nil {
		busCh = sub.Ch()
	}
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	// emit returns false once the stream is finished.
	emit := func(ev broker.Event) bool {
		if ev.Version <= last {
			return true
		}
		last = ev.Version
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
		return !ev.To.Terminal()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			ev, isEvent := msg.Payload.(broker.Event)
			if !isEvent {
				continue
			}
			if ev.Version > last+1 {
				// Missed a transition; let the log fill the gap in order.
				if !t.catchUp(ctx, taskID, emit) {
					return
				}
				continue
			}
			if !emit(ev) {
				return
			}
		case <-ticker.C:
			if !t.catchUp(ctx, taskID, emit) {
				return
			}
		}
	}
}

func (t *Tracker) catchUp(ctx context.Context, taskID string, emit func(broker.Event) bool) bool {
	events, err := t.store.Events(ctx, taskID)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("poll task events failed", "task_id", taskID, "error", err)
		}
		return ctx.Err() == nil
	}
	for _, ev := range events {
		if !emit(ev) {
			return false
		}
	}
	return true
}

// WaitTerminal blocks until taskID reaches SUCCESS or FAILURE and returns
// the final record.
func (t *Tracker) WaitTerminal(ctx context.Context, taskID string) (*broker.Task, error) {
	ch, err := t.Subscribe(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for ev := range ch {
		if ev.To.Terminal() {
			return t.Get(ctx, taskID)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("tracker: subscription ended before a terminal state")
}
