package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/otel"
	"github.com/basket/snapq/internal/processing"
	"github.com/basket/snapq/internal/queue"
	"github.com/basket/snapq/internal/shared"
)

// settleTimeout bounds the ack/nack write after processing, which runs even
// when the worker context is already cancelled.
const settleTimeout = 10 * time.Second

// Config is shared by every worker a runtime starts.
type Config struct {
	Queue     *queue.Manager
	Store     broker.Store
	Processor processing.Processor
	// Queues restricts the worker to these queues; empty means all.
	Queues            []string
	PollInterval      time.Duration
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// MemoryCeiling is the per-worker budget checked against the processor's
	// estimate before a task starts. Zero disables the guard.
	MemoryCeiling uint64
	Bus           *bus.Bus
	Logger        *slog.Logger
	Telemetry     *otel.Provider
	Instruments   *otel.Metrics
	Clock         func() time.Time
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 4 * c.HeartbeatInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Telemetry == nil {
		c.Telemetry = otel.Noop()
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Worker leases one task at a time, processes it and settles it. Ack comes
// after processing, so a crash mid-task leaves the lease to expire and the
// task is delivered again.
type Worker struct {
	id     string
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	taskID    string
	rss       uint64
	startedAt time.Time

	drainOnce sync.Once
	drainCh   chan struct{}
}

func New(id string, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		id:        id,
		cfg:       cfg,
		logger:    cfg.Logger.With("worker_id", id),
		state:     StateSpawning,
		startedAt: cfg.Clock(),
		drainCh:   make(chan struct{}),
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Info{
		ID:            w.id,
		Queues:        w.cfg.Queues,
		State:         w.state,
		CurrentTaskID: w.taskID,
		StartedAt:     w.startedAt,
		PID:           os.Getpid(),
		RSS:           w.rss,
	}
}

// Drain stops leasing new tasks; Run returns after the current one settles.
func (w *Worker) Drain() {
	w.drainOnce.Do(func() {
		close(w.drainCh)
		w.setState(StateDraining, "", 0)
	})
}

func (w *Worker) draining() bool {
	select {
	case <-w.drainCh:
		return true
	default:
		return false
	}
}

func (w *Worker) setState(s State, taskID string, rss uint64) {
	w.mu.Lock()
	from := w.state
	if from == s && w.taskID == taskID {
		w.mu.Unlock()
		return
	}
	// Draining is sticky: the loop still reports task progress but the
	// worker never returns to IDLE/BUSY.
	if from == StateDraining && s.Active() {
		w.taskID, w.rss = taskID, rss
		w.mu.Unlock()
		return
	}
	if from != s && !CanTransition(from, s) {
		w.mu.Unlock()
		w.logger.Warn("illegal worker transition ignored", "from", from, "to", s)
		return
	}
	w.state, w.taskID, w.rss = s, taskID, rss
	w.mu.Unlock()
	if from != s {
		w.cfg.Bus.Publish(bus.TopicWorkerState+w.id, w.Info())
	}
}

// Run is the worker loop. It returns nil after a drain, ctx.Err() when the
// context ends, or a fault.Resource error when the worker retired itself.
func (w *Worker) Run(ctx context.Context) error {
	ctx = shared.WithWorkerID(ctx, w.id)
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx)
	}()

	w.setState(StateIdle, "", 0)
	w.logger.Info("worker started", "queues", w.cfg.Queues)
	defer func() {
		stopHB()
		<-hbDone
		w.setState(StateTerminated, "", 0)
		w.clearHeartbeat()
	}()

	for {
		if w.draining() {
			w.logger.Info("worker drained")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := w.cfg.Queue.Next(ctx, w.id, w.cfg.Queues...)
		if err != nil {
			if !errors.Is(err, broker.ErrEmpty) && ctx.Err() == nil {
				w.logger.Warn("lease failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.drainCh:
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}

		if err := w.handle(ctx, task); err != nil {
			if fault.Is(err, fault.Resource) {
				w.logger.Error("worker retiring", "task_id", task.ID, "error", err)
				return err
			}
			w.logger.Warn("task handling failed", "task_id", task.ID, "error", err)
		}
		w.setState(StateIdle, "", 0)
	}
}

// handle processes one leased task and settles it. It only returns an error
// the loop must act on; processing failures are recorded on the task.
func (w *Worker) handle(ctx context.Context, task *broker.Task) error {
	ctx = shared.WithTaskID(shared.WithTraceID(ctx, shared.NewTraceID()), task.ID)
	logger := w.logger.With(shared.LogAttrs(ctx)...)

	if task.Expired(w.cfg.Clock()) {
		logger.Info("task expired before start", "expires_at", task.ExpiresAt)
		return w.nack(ctx, task, broker.Cause{
			Kind:      string(fault.Processing),
			Message:   "task expired before start",
			Permanent: true,
		})
	}

	var need uint64
	if est, ok := w.cfg.Processor.(processing.Estimator); ok {
		need = est.EstimateMemory(task.Kind, task.Payload)
	}
	if w.cfg.MemoryCeiling > 0 && need > w.cfg.MemoryCeiling {
		msg := fmt.Sprintf("estimated %d bytes exceeds worker ceiling %d", need, w.cfg.MemoryCeiling)
		if err := w.nack(ctx, task, broker.Cause{Kind: string(fault.Resource), Message: msg}); err != nil {
			logger.Warn("nack after memory guard failed", "error", err)
		}
		return fault.New(fault.Resource, "worker.memory_guard", msg)
	}

	w.setState(StateBusy, task.ID, need)
	ctx, span := otel.StartConsumerSpan(ctx, w.cfg.Telemetry.Tracer, "task.process", task.Meta.TraceParent,
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskKind.String(task.Kind),
		otel.AttrQueue.String(task.Queue),
		otel.AttrAttempt.Int(task.AttemptCount+1),
		otel.AttrWorkerID.String(w.id),
	)
	defer span.End()

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()
	lost := make(chan struct{})
	go w.leaseHeartbeat(taskCtx, task, cancel, lost)

	start := w.cfg.Clock()
	result, err := w.invoke(taskCtx, task)
	elapsed := w.cfg.Clock().Sub(start)
	metrics.TaskDuration.WithLabelValues(task.Queue, task.Kind).Observe(elapsed.Seconds())
	if w.cfg.Instruments != nil {
		w.cfg.Instruments.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	select {
	case <-lost:
		logger.Warn("lease lost during processing; result discarded", "error", err)
		return nil
	default:
	}

	if err == nil && taskCtx.Err() != nil {
		err = taskCtx.Err()
	}
	if err != nil {
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fault.E(fault.Processing, "worker.process", fmt.Errorf("task timeout %s exceeded: %w", w.cfg.TaskTimeout, err))
		}
		span.RecordError(err)
		cause := causeOf(err)
		logger.Info("task attempt failed", "kind", cause.Kind, "permanent", cause.Permanent, "error", cause.Message)
		nackErr := w.nack(ctx, task, cause)
		if fault.Is(err, fault.Resource) {
			return err
		}
		return nackErr
	}

	settleCtx, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()
	if _, err := w.cfg.Queue.Ack(settleCtx, w.id, task, result); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	logger.Info("task succeeded", "duration_ms", elapsed.Milliseconds())
	return nil
}

func (w *Worker) invoke(ctx context.Context, task *broker.Task) (res processing.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.E(fault.Processing, "worker.process", fmt.Errorf("processor panic: %v", r))
		}
	}()
	return w.cfg.Processor.Process(ctx, task)
}

func (w *Worker) nack(ctx context.Context, task *broker.Task, cause broker.Cause) error {
	settleCtx, done := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer done()
	if _, err := w.cfg.Queue.Nack(settleCtx, w.id, task, cause); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

// causeOf converts a processing error into the cause recorded on the task.
func causeOf(err error) broker.Cause {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.Processing
	}
	return broker.Cause{
		Kind:      string(kind),
		Message:   shared.Redact(err.Error()),
		Permanent: fault.IsPermanent(err),
	}
}

// leaseHeartbeat renews the task lease at a third of its duration. When the
// lease is lost the task context is cancelled and lost is closed.
func (w *Worker) leaseHeartbeat(ctx context.Context, task *broker.Task, cancel context.CancelFunc, lost chan<- struct{}) {
	interval := w.cfg.Queue.LeaseDuration() / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := w.cfg.Queue.Extend(ctx, w.id, task)
			if err == nil {
				continue
			}
			if errors.Is(err, broker.ErrLeaseLost) || errors.Is(err, broker.ErrTerminal) {
				close(lost)
				cancel()
				return
			}
			if ctx.Err() == nil {
				w.logger.Warn("lease renewal failed", "task_id", task.ID, "error", err)
			}
		}
	}
}

// Heartbeat is the liveness record a worker keeps under HeartbeatKey.
type Heartbeat struct {
	WorkerID string    `json:"worker_id"`
	State    State     `json:"state"`
	TaskID   string    `json:"task_id,omitempty"`
	PID      int       `json:"pid"`
	RSS      uint64    `json:"rss"`
	At       time.Time `json:"at"`
}

// HeartbeatKey is the broker key holding a worker's heartbeat.
func HeartbeatKey(workerID string) string {
	return "worker/" + workerID + "/heartbeat"
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	if w.cfg.Store == nil {
		return
	}
	var prev []byte
	beat := func() {
		info := w.Info()
		next, err := json.Marshal(Heartbeat{
			WorkerID: w.id, State: info.State, TaskID: info.CurrentTaskID,
			PID: info.PID, RSS: info.RSS, At: w.cfg.Clock().UTC(),
		})
		if err != nil {
			return
		}
		ok, err := w.cfg.Store.CAS(ctx, HeartbeatKey(w.id), prev, next, w.cfg.HeartbeatTimeout)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Warn("heartbeat write failed", "error", err)
			}
		case ok:
			prev = next
		default:
			// The key expired or was rewritten; adopt the current value and
			// win on the next beat.
			cur, lerr := w.cfg.Store.Load(ctx, HeartbeatKey(w.id))
			if lerr == nil {
				prev = cur
			}
		}
	}
	beat()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (w *Worker) clearHeartbeat() {
	if w.cfg.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if cur, err := w.cfg.Store.Load(ctx, HeartbeatKey(w.id)); err == nil && cur != nil {
		_, _ = w.cfg.Store.CAS(ctx, HeartbeatKey(w.id), cur, nil, 0)
	}
}

// ReadHeartbeat loads a worker's heartbeat; nil when absent or expired.
func ReadHeartbeat(ctx context.Context, store broker.Store, workerID string) (*Heartbeat, error) {
	raw, err := store.Load(ctx, HeartbeatKey(workerID))
	if err != nil || raw == nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return nil, fmt.Errorf("decode heartbeat: %w", err)
	}
	return &hb, nil
}
