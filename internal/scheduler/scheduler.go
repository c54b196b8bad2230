// Package scheduler fires periodic maintenance tasks from exactly one
// instance at a time. Leadership and per-entry progress live in the broker,
// so a new leader continues where the previous one stopped.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/queue"
)

// specParser accepts standard 5-field cron expressions and descriptors such
// as @daily or @every 24h.
var specParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSpec parses a schedule spec.
func ParseSpec(spec string) (cronlib.Schedule, error) {
	s, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return s, nil
}

// Entry is one periodic task template.
type Entry struct {
	ID      string
	Spec    string
	Queue   string
	Kind    string
	Payload []byte
	// Expires fails the fired task if no worker starts it in time.
	Expires time.Duration

	schedule cronlib.Schedule
}

// EntriesFromConfig converts configured schedules into entries.
func EntriesFromConfig(list []config.ScheduleConfig) []Entry {
	out := make([]Entry, 0, len(list))
	for _, c := range list {
		e := Entry{
			ID:      c.ID,
			Spec:    c.Spec,
			Queue:   c.Queue,
			Kind:    c.Kind,
			Expires: time.Duration(c.ExpiresSeconds) * time.Second,
		}
		if c.Payload != "" {
			e.Payload = []byte(c.Payload)
		}
		out = append(out, e)
	}
	return out
}

// Cursor is the persisted progress of one entry.
type Cursor struct {
	NextFire time.Time `json:"next_fire"`
	LastFire time.Time `json:"last_fire,omitzero"`
}

// CursorKey is the broker key holding an entry's cursor.
func CursorKey(entryID string) string {
	return "scheduler/entry/" + entryID + "/cursor"
}

type Config struct {
	Queue   *queue.Manager
	Store   broker.Store
	Elector *Elector
	Entries []Entry
	Tick    time.Duration
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Scheduler struct {
	queue   *queue.Manager
	store   broker.Store
	elector *Elector
	entries []Entry
	tick    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Queue == nil || cfg.Store == nil || cfg.Elector == nil {
		return nil, errors.New("scheduler: queue, store and elector are required")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	entries := make([]Entry, len(cfg.Entries))
	seen := make(map[string]bool, len(cfg.Entries))
	for i, e := range cfg.Entries {
		if e.ID == "" || e.Kind == "" {
			return nil, fmt.Errorf("scheduler: entry %q needs an id and a kind", e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("scheduler: duplicate entry %q", e.ID)
		}
		seen[e.ID] = true
		sched, err := ParseSpec(e.Spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler: entry %q: %w", e.ID, err)
		}
		e.schedule = sched
		entries[i] = e
	}
	return &Scheduler{
		queue:   cfg.Queue,
		store:   cfg.Store,
		elector: cfg.Elector,
		entries: entries,
		tick:    cfg.Tick,
		logger:  cfg.Logger.With("component", "scheduler"),
		now:     cfg.Clock,
	}, nil
}

// Run campaigns for leadership and ticks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.elector.Run(ctx)
	}()
	defer func() { <-done }()

	s.logger.Info("scheduler started", "entries", len(s.entries), "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick fires every due entry when this instance leads and returns the
// fired tasks.
func (s *Scheduler) Tick(ctx context.Context) ([]*broker.Task, error) {
	var fired []*broker.Task
	var errs []error
	for _, e := range s.entries {
		if !s.elector.IsLeader() {
			break
		}
		t, err := s.fire(ctx, e)
		if err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.ID, err))
			continue
		}
		if t != nil {
			fired = append(fired, t)
		}
	}
	return fired, errors.Join(errs...)
}

// fire claims the entry's due tick by advancing its cursor with CAS and,
// only when the claim succeeds, pushes the task. Missed ticks are skipped.
func (s *Scheduler) fire(ctx context.Context, e Entry) (*broker.Task, error) {
	now := s.now()
	key := CursorKey(e.ID)
	raw, err := s.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if raw == nil {
		first, err := json.Marshal(Cursor{NextFire: e.schedule.Next(now).UTC()})
		if err != nil {
			return nil, fmt.Errorf("encode cursor: %w", err)
		}
		if _, err := s.store.CAS(ctx, key, nil, first, 0); err != nil {
			return nil, fmt.Errorf("init cursor: %w", err)
		}
		return nil, nil
	}

	var cur Cursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if now.Before(cur.NextFire) {
		return nil, nil
	}
	next, err := json.Marshal(Cursor{NextFire: e.schedule.Next(now).UTC(), LastFire: cur.NextFire})
	if err != nil {
		return nil, fmt.Errorf("encode cursor: %w", err)
	}
	claimed, err := s.store.CAS(ctx, key, raw, next, 0)
	if err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	if !claimed {
		s.logger.Debug("tick claimed elsewhere", "entry", e.ID, "due", cur.NextFire)
		return nil, nil
	}

	t, err := s.queue.Push(ctx, queue.Spec{Queue: e.Queue, Kind: e.Kind, Payload: e.Payload, Expires: e.Expires})
	if err != nil {
		return nil, fmt.Errorf("push scheduled task: %w", err)
	}
	metrics.ScheduleFires.WithLabelValues(e.ID).Inc()
	s.logger.Info("schedule fired", "entry", e.ID, "task_id", t.ID, "queue", e.Queue, "due", cur.NextFire)
	return t, nil
}

// Cursors returns the persisted cursor of every entry; entries that have not
// been initialised are omitted.
func (s *Scheduler) Cursors(ctx context.Context) (map[string]Cursor, error) {
	out := make(map[string]Cursor, len(s.entries))
	for _, e := range s.entries {
		raw, err := s.store.Load(ctx, CursorKey(e.ID))
		if err != nil {
			return nil, fmt.Errorf("load cursor %s: %w", e.ID, err)
		}
		if raw == nil {
			continue
		}
		var c Cursor
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("decode cursor %s: %w", e.ID, err)
		}
		out[e.ID] = c
	}
	return out, nil
}
