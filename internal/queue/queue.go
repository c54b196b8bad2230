// Package queue layers named FIFO queues with at-least-once delivery over a
// broker.Store: weighted round-robin dispatch, per-queue rate limits, lease
// settlement with conflict retry and a background lease reaper.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/ratelimit"
)

const (
	maxConflictRetries = 3
	// maxRetryBackoff caps the doubling retry delay.
	maxRetryBackoff = 10 * time.Minute
)

// Spec describes a task to enqueue.
type Spec struct {
	Queue   string
	Kind    string
	Payload []byte
	Meta    broker.Meta
	// Expires, when positive, fails the task if no worker starts it in time.
	Expires time.Duration
}

type Config struct {
	Store         broker.Store
	Queues        []config.QueueEntry
	MaxRetries    int
	LeaseDuration time.Duration
	// MinShare is the fraction of the total weight every queue is granted
	// at least, so a low-weight queue is never starved.
	MinShare float64
	// RetryBackoff is the delay before the first redelivery of a nacked
	// task, doubled per further failure. Zero redelivers at once.
	RetryBackoff time.Duration
	ReapInterval time.Duration
	Backoff      fault.Backoff
	Bus          *bus.Bus
	Logger       *slog.Logger
	Clock        func() time.Time
}

type lane struct {
	name         string
	weight       float64
	current      float64
	maxRetries   int
	retryBackoff time.Duration
	limiter      *ratelimit.Bucket
}

// retryDelay is the hold before redelivery after the attempt-th failure.
func (l *lane) retryDelay(attempt int) time.Duration {
	if l.retryBackoff <= 0 || attempt < 1 {
		return 0
	}
	d := l.retryBackoff
	for i := 1; i < attempt && d < maxRetryBackoff; i++ {
		d *= 2
	}
	return min(d, maxRetryBackoff)
}

// Manager owns dispatch across all configured queues.
type Manager struct {
	store        broker.Store
	bus          *bus.Bus
	logger       *slog.Logger
	now          func() time.Time
	lease        time.Duration
	reapInterval time.Duration
	backoff      fault.Backoff

	mu    sync.Mutex
	lanes []*lane
	index map[string]*lane
}

func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("queue: store is required")
	}
	if len(cfg.Queues) == 0 {
		return nil, errors.New("queue: at least one queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 5 * time.Second
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = fault.DefaultBackoff
	}

	m := &Manager{
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       cfg.Logger,
		now:          cfg.Clock,
		lease:        cfg.LeaseDuration,
		reapInterval: cfg.ReapInterval,
		backoff:      cfg.Backoff,
		index:        make(map[string]*lane, len(cfg.Queues)),
	}

	var total float64
	for _, q := range cfg.Queues {
		w := q.Weight
		if w <= 0 {
			w = 1
		}
		total += float64(w)
	}
	floor := cfg.MinShare * total
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return nil, errors.New("queue: empty queue name")
		}
		if _, dup := m.index[q.Name]; dup {
			return nil, fmt.Errorf("queue: duplicate queue %q", q.Name)
		}
		l := &lane{
			name:         q.Name,
			weight:       float64(max(q.Weight, 1)),
			maxRetries:   cfg.MaxRetries,
			retryBackoff: cfg.RetryBackoff,
		}
		if l.weight < floor {
			l.weight = floor
		}
		if q.MaxRetries != nil {
			l.maxRetries = *q.MaxRetries
		}
		if q.RetryBackoffSeconds != nil {
			l.retryBackoff = time.Duration(*q.RetryBackoffSeconds) * time.Second
		}
		if q.RatePerMinute > 0 {
			l.limiter = ratelimit.NewBucket(q.RatePerMinute, 1, cfg.Clock)
		}
		m.lanes = append(m.lanes, l)
		m.index[q.Name] = l
	}
	return m, nil
}

// Names returns the configured queue names in declaration order.
func (m *Manager) Names() []string {
	out := make([]string, len(m.lanes))
	for i, l := range m.lanes {
		out[i] = l.name
	}
	return out
}

// LeaseDuration is the lease granted by Next and renewed by Extend.
func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

// Push enqueues a new task. A duplicate content hash returns the existing
// task together with broker.ErrDuplicate.
func (m *Manager) Push(ctx context.Context, spec Spec) (*broker.Task, error) {
	const op = "queue.push"
	l, ok := m.index[spec.Queue]
	if !ok {
		return nil, fault.New(fault.Validation, op, fmt.Sprintf("unknown queue %q", spec.Queue))
	}
	if spec.Kind == "" {
		return nil, fault.New(fault.Validation, op, "task kind is required")
	}
	t := &broker.Task{
		ID:         uuid.NewString(),
		Queue:      spec.Queue,
		Kind:       spec.Kind,
		Payload:    spec.Payload,
		Meta:       spec.Meta,
		MaxRetries: l.maxRetries,
	}
	if spec.Expires > 0 {
		exp := m.now().Add(spec.Expires).UTC()
		t.ExpiresAt = &exp
	}

	var out *broker.Task
	err := fault.Retry(ctx, m.backoff, func() error {
		var err error
		out, err = m.store.Push(ctx, t)
		return err
	})
	if errors.Is(err, broker.ErrDuplicate) {
		metrics.DuplicatesRejected.WithLabelValues(spec.Queue).Inc()
		m.logger.Info("duplicate content", "queue", spec.Queue, "task_id", out.ID, "content_hash", spec.Meta.ContentHash)
		return out, err
	}
	if err != nil {
		return nil, fmt.Errorf("push task: %w", err)
	}
	metrics.TasksEnqueued.WithLabelValues(spec.Queue).Inc()
	m.publish(out, "", broker.ReasonEnqueued, "")
	m.logger.Debug("task enqueued", "queue", out.Queue, "task_id", out.ID, "kind", out.Kind)
	return out, nil
}

// Next leases one task for workerID, trying queues in weighted round-robin
// order. Queues whose dispatch rate is exhausted are skipped. only restricts
// the candidate queues; none means all. Returns broker.ErrEmpty when nothing
// is available.
func (m *Manager) Next(ctx context.Context, workerID string, only ...string) (*broker.Task, error) {
	for _, l := range m.dispatchOrder(only) {
		if l.limiter != nil && !l.limiter.Ready() {
			metrics.RateLimited.WithLabelValues("queue").Inc()
			continue
		}
		var t *broker.Task
		var reaped []*broker.Task
		err := fault.Retry(ctx, m.backoff, func() error {
			got, r, err := m.store.PopLease(ctx, l.name, workerID, m.lease)
			reaped = append(reaped, r...)
			t = got
			return err
		})
		m.reportReaped(l.name, reaped)
		if errors.Is(err, broker.ErrEmpty) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lease from %s: %w", l.name, err)
		}
		if l.limiter != nil {
			l.limiter.Take()
		}
		from := broker.StatusPending
		if t.AttemptCount > 0 {
			from = broker.StatusRetry
		}
		m.publish(t, from, broker.ReasonLeased, workerID)
		return t, nil
	}
	return nil, broker.ErrEmpty
}

// dispatchOrder advances the smooth weighted round-robin state one step and
// returns the candidate lanes, the selected one first and the rest by
// remaining credit.
func (m *Manager) dispatchOrder(only []string) []*lane {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*lane, 0, len(m.lanes))
	for _, l := range m.lanes {
		if len(only) == 0 || contains(only, l.name) {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	var total float64
	best := candidates[0]
	for _, l := range candidates {
		l.current += l.weight
		total += l.weight
		if l.current > best.current {
			best = l
		}
	}
	best.current -= total

	order := make([]*lane, 0, len(candidates))
	order = append(order, best)
	rest := make([]*lane, 0, len(candidates)-1)
	for _, l := range candidates {
		if l != best {
			rest = append(rest, l)
		}
	}
	for i := 1; i < len(rest); i++ {
		for j := i; j > 0 && rest[j].current > rest[j-1].current; j-- {
			rest[j], rest[j-1] = rest[j-1], rest[j]
		}
	}
	return append(order, rest...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Ack marks a leased task SUCCESS.
func (m *Manager) Ack(ctx context.Context, workerID string, t *broker.Task, result []byte) (*broker.Task, error) {
	out, err := m.settle(ctx, "queue.ack", workerID, t, func(version int64) (*broker.Task, error) {
		return m.store.Ack(ctx, t.ID, workerID, version, result)
	})
	if err != nil {
		return nil, err
	}
	metrics.TaskOutcomes.WithLabelValues(out.Queue, string(out.Status)).Inc()
	m.publish(out, broker.StatusStarted, broker.ReasonAcked, workerID)
	return out, nil
}

// Nack records a failed attempt; the store decides between RETRY and
// FAILURE. A retry stays invisible for the queue's backoff.
func (m *Manager) Nack(ctx context.Context, workerID string, t *broker.Task, cause broker.Cause) (*broker.Task, error) {
	var delay time.Duration
	if l, ok := m.index[t.Queue]; ok {
		delay = l.retryDelay(t.AttemptCount + 1)
	}
	out, err := m.settle(ctx, "queue.nack", workerID, t, func(version int64) (*broker.Task, error) {
		return m.store.Nack(ctx, t.ID, workerID, version, cause, delay)
	})
	if err != nil {
		return nil, err
	}
	metrics.TaskOutcomes.WithLabelValues(out.Queue, string(out.Status)).Inc()
	m.publish(out, broker.StatusStarted, nackReason(out), workerID)
	if out.Status == broker.StatusFailure {
		m.logger.Warn("task dead-lettered", "queue", out.Queue, "task_id", out.ID, "attempts", out.AttemptCount, "cause", cause.Message)
	}
	return out, nil
}

// Extend renews the lease on a held task.
func (m *Manager) Extend(ctx context.Context, workerID string, t *broker.Task) (*broker.Task, error) {
	var out *broker.Task
	err := fault.Retry(ctx, m.backoff, func() error {
		var err error
		out, err = m.store.ExtendLease(ctx, t.ID, workerID, m.lease)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("extend lease: %w", err)
	}
	return out, nil
}

// settle runs a version-checked write. On a version conflict the task is
// re-read and the write retried with the current version while workerID
// still holds a live lease.
func (m *Manager) settle(ctx context.Context, op, workerID string, t *broker.Task, write func(version int64) (*broker.Task, error)) (*broker.Task, error) {
	version := t.Version
	for attempt := 0; ; attempt++ {
		var out *broker.Task
		err := fault.Retry(ctx, m.backoff, func() error {
			var err error
			out, err = write(version)
			return err
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, broker.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= maxConflictRetries {
			return nil, fault.E(fault.Conflict, op, broker.ErrLeaseLost)
		}
		cur, gerr := m.store.GetTask(ctx, t.ID)
		if gerr != nil {
			return nil, fmt.Errorf("%s: reload task: %w", op, gerr)
		}
		if cur.Status != broker.StatusStarted || cur.LeaseOwner != workerID ||
			(cur.LeaseExpiresAt != nil && !m.now().Before(*cur.LeaseExpiresAt)) {
			return nil, fault.E(fault.Conflict, op, broker.ErrLeaseLost)
		}
		version = cur.Version
	}
}

func nackReason(t *broker.Task) string {
	switch {
	case t.Status == broker.StatusRetry:
		return broker.ReasonRetry
	case t.Error != nil && t.Error.Permanent:
		return broker.ReasonPermanent
	default:
		return broker.ReasonDeadLetter
	}
}

// Depths returns the number of queued tasks per queue.
func (m *Manager) Depths(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(m.lanes))
	for _, l := range m.lanes {
		n, err := m.store.Depth(ctx, l.name)
		if err != nil {
			return nil, fmt.Errorf("depth of %s: %w", l.name, err)
		}
		out[l.name] = n
		metrics.QueueDepth.WithLabelValues(l.name).Set(float64(n))
	}
	return out, nil
}

// Reap requeues or dead-letters every expired lease once and returns the
// number of tasks affected.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	n := 0
	for _, l := range m.lanes {
		var reaped []*broker.Task
		err := fault.Retry(ctx, m.backoff, func() error {
			var err error
			reaped, err = m.store.ReapExpired(ctx, l.name)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("reap %s: %w", l.name, err)
		}
		m.reportReaped(l.name, reaped)
		n += len(reaped)
	}
	return n, nil
}

// reportReaped publishes, logs and counts leases the store expired, whether
// by the reaper or inline while leasing.
func (m *Manager) reportReaped(queue string, reaped []*broker.Task) {
	for _, t := range reaped {
		reason := broker.ReasonLeaseExpired
		if t.Status == broker.StatusFailure {
			reason = broker.ReasonDeadLetter
		}
		m.publish(t, broker.StatusStarted, reason, "")
		m.logger.Warn("lease expired", "queue", t.Queue, "task_id", t.ID, "status", t.Status, "attempts", t.AttemptCount)
	}
	if len(reaped) > 0 {
		metrics.LeasesReaped.WithLabelValues(queue).Add(float64(len(reaped)))
	}
}

// RunReaper reaps expired leases and refreshes depth gauges every reap
// interval until ctx ends. Store failures are logged and retried next tick.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Reap(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("lease reaper failed", "error", err)
			}
			if _, err := m.Depths(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("queue depth refresh failed", "error", err)
			}
		}
	}
}

func (m *Manager) publish(t *broker.Task, from broker.Status, reason, worker string) {
	if m.bus == nil || t == nil {
		return
	}
	m.bus.Publish(bus.TaskTopic(t.ID), broker.Event{
		TaskID:  t.ID,
		Version: t.Version,
		From:    from,
		To:      t.Status,
		Reason:  reason,
		Worker:  worker,
		Error:   t.Error,
		At:      t.UpdatedAt,
	})
}
