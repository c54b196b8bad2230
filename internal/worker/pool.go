package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
	"github.com/basket/snapq/internal/otel"
)

type PoolConfig struct {
	Runtime Runtime
	// Store is read for worker heartbeats; nil disables heartbeat checks.
	Store             broker.Store
	Sampler           Sampler
	Policy            ScalingPolicy
	Interval          time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DrainTimeout      time.Duration
	Bus               *bus.Bus
	Logger            *slog.Logger
	Instruments       *otel.Metrics
	Clock             func() time.Time
}

type member struct {
	unit      Unit
	spawnedAt time.Time
	draining  bool
}

// Pool is the worker controller: it keeps the pool within policy bounds,
// scales on CPU and memory samples, and replaces crashed workers.
type Pool struct {
	cfg    PoolConfig
	logger *slog.Logger

	unitCtx    context.Context
	unitCancel context.CancelFunc

	mu         sync.Mutex
	members    map[string]*member
	policy     ScalingPolicy
	lastScale  time.Time
	lastSample Sample
	last       Decision
	crashes    int
}

// Snapshot is the pool view served by the status API.
type Snapshot struct {
	Workers      []Info        `json:"workers"`
	Policy       ScalingPolicy `json:"policy"`
	LastDecision Decision      `json:"last_decision"`
	LastScaleAt  time.Time     `json:"last_scale_at,omitzero"`
	CPUPercent   float64       `json:"cpu_percent"`
	MemPercent   float64       `json:"memory_percent"`
	Crashes      int           `json:"crashes"`
}

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("worker: runtime is required")
	}
	if cfg.Sampler == nil {
		cfg.Sampler = SystemSampler{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 4 * cfg.HeartbeatInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "pool"),
		unitCtx:    ctx,
		unitCancel: cancel,
		members:    make(map[string]*member),
		policy:     cfg.Policy,
	}, nil
}

// SetPolicy swaps the scaling policy; it applies from the next step.
func (p *Pool) SetPolicy(pol ScalingPolicy) {
	p.mu.Lock()
	p.policy = pol
	p.mu.Unlock()
	p.logger.Info("scaling policy updated", "min_workers", pol.MinWorkers, "max_workers", pol.MaxWorkers,
		"cpu_up", pol.CPUUpThreshold, "cpu_down", pol.CPUDownThreshold)
}

func (p *Pool) Policy() ScalingPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Run starts MinWorkers and runs the control loop until ctx ends, then
// drains the pool.
func (p *Pool) Run(ctx context.Context) error {
	if pol := p.Policy(); pol.MinWorkers > 0 {
		p.spawn(pol.MinWorkers)
	}
	scale := time.NewTicker(p.cfg.Interval)
	defer scale.Stop()
	health := time.NewTicker(p.cfg.HeartbeatInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Shutdown()
			return nil
		case <-scale.C:
			if _, err := p.Step(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("scaling step failed", "error", err)
			}
		case <-health.C:
			p.CheckHealth(ctx)
		}
	}
}

// Step samples resources, decides and applies one scaling decision.
func (p *Pool) Step(ctx context.Context) (Decision, error) {
	infos := p.Workers()
	sample, err := p.cfg.Sampler.Sample(ctx, infos)
	if err != nil {
		return Decision{}, fmt.Errorf("sample resources: %w", err)
	}
	metrics.CPUPercent.Set(sample.CPUPercent)
	metrics.MemoryPercent.Set(sample.MemoryPercent)

	p.mu.Lock()
	now := p.cfg.Clock()
	d := Decide(sample, p.policy, PoolState{Workers: infos, LastScaleAt: p.lastScale, Now: now})
	p.lastSample = sample
	p.last = d
	if d.Scaled {
		p.lastScale = now
	}
	p.mu.Unlock()

	p.apply(d)
	if d.Action != ActionNone {
		metrics.ScaleDecisions.WithLabelValues(string(d.Action), d.Rule).Inc()
		if p.cfg.Instruments != nil {
			p.cfg.Instruments.ScaleDecisions.Add(ctx, 1, metric.WithAttributes(otel.AttrScaleAction.String(string(d.Action))))
		}
		p.cfg.Bus.Publish(bus.TopicScaleDecision, d)
		p.logger.Info("scaling decision", "action", d.Action, "rule", d.Rule, "spawn", d.Spawn,
			"drain", d.Drain, "reason", d.Reason, "cpu", sample.CPUPercent, "memory", sample.MemoryPercent)
	}
	return d, nil
}

func (p *Pool) apply(d Decision) {
	for _, id := range d.Drain {
		p.drain(id)
	}
	if d.Spawn > 0 {
		p.spawn(d.Spawn)
	}
}

func (p *Pool) drain(id string) {
	p.mu.Lock()
	m, ok := p.members[id]
	if ok {
		m.draining = true
	}
	p.mu.Unlock()
	if ok {
		m.unit.Drain()
	}
}

func (p *Pool) spawn(n int) {
	for i := 0; i < n; i++ {
		id := "w-" + uuid.NewString()[:8]
		u, err := p.cfg.Runtime.Spawn(p.unitCtx, id)
		if err != nil {
			p.logger.Error("spawn worker failed", "worker_id", id, "error", err)
			continue
		}
		p.mu.Lock()
		p.members[id] = &member{unit: u, spawnedAt: p.cfg.Clock()}
		p.mu.Unlock()
		p.logger.Info("worker spawned", "worker_id", id)
	}
	p.updateGauges()
}

// CheckHealth removes exited workers, kills workers whose heartbeat is
// missing for longer than the timeout, and replaces every crashed worker
// within MaxWorkers. It returns the number of crashes found.
func (p *Pool) CheckHealth(ctx context.Context) int {
	now := p.cfg.Clock()
	p.mu.Lock()
	members := make(map[string]*member, len(p.members))
	for id, m := range p.members {
		members[id] = m
	}
	p.mu.Unlock()

	crashed := 0
	for id, m := range members {
		select {
		case <-m.unit.Done():
			p.remove(id)
			err := m.unit.Err()
			if err == nil && m.draining {
				p.logger.Info("worker exited after drain", "worker_id", id)
				continue
			}
			crashed++
			if fault.Is(err, fault.Resource) {
				p.logger.Warn("worker retired on resource fault", "worker_id", id, "error", err)
			} else {
				p.logger.Error("worker exited unexpectedly", "worker_id", id, "error", err)
			}
			continue
		default:
		}

		if p.cfg.Store == nil || now.Sub(m.spawnedAt) < p.cfg.HeartbeatTimeout {
			continue
		}
		hb, err := ReadHeartbeat(ctx, p.cfg.Store, id)
		if err != nil {
			p.logger.Warn("read heartbeat failed", "worker_id", id, "error", err)
			continue
		}
		if hb == nil || now.Sub(hb.At) > p.cfg.HeartbeatTimeout {
			p.logger.Error("worker heartbeat missed; terminating", "worker_id", id, "timeout", p.cfg.HeartbeatTimeout)
			m.unit.Kill()
			p.remove(id)
			if !m.draining {
				crashed++
			}
		}
	}

	if crashed > 0 {
		p.mu.Lock()
		p.crashes += crashed
		room := p.policy.MaxWorkers - p.activeLocked()
		p.mu.Unlock()
		if n := min(crashed, room); n > 0 {
			p.spawn(n)
		}
	}
	p.updateGauges()
	return crashed
}

func (p *Pool) remove(id string) {
	p.mu.Lock()
	delete(p.members, id)
	p.mu.Unlock()
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, m := range p.members {
		if !m.draining {
			n++
		}
	}
	return n
}

// Workers returns the current view of every member, oldest first.
func (p *Pool) Workers() []Info {
	p.mu.Lock()
	members := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		members = append(members, m)
	}
	p.mu.Unlock()

	out := make([]Info, 0, len(members))
	for _, m := range members {
		info := m.unit.Info()
		if m.draining && info.State.Active() {
			info.State = StateDraining
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (p *Pool) Snapshot() Snapshot {
	workers := p.Workers()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Workers:      workers,
		Policy:       p.policy,
		LastDecision: p.last,
		LastScaleAt:  p.lastScale,
		CPUPercent:   p.lastSample.CPUPercent,
		MemPercent:   p.lastSample.MemoryPercent,
		Crashes:      p.crashes,
	}
}

func (p *Pool) updateGauges() {
	counts := map[State]int{StateSpawning: 0, StateIdle: 0, StateBusy: 0, StateDraining: 0}
	for _, info := range p.Workers() {
		counts[info.State]++
	}
	for s, n := range counts {
		metrics.Workers.WithLabelValues(string(s)).Set(float64(n))
	}
}

// Shutdown drains every worker and waits up to DrainTimeout before killing
// the rest.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	members := make([]*member, 0, len(p.members))
	for _, m := range p.members {
		m.draining = true
		members = append(members, m)
	}
	p.mu.Unlock()

	for _, m := range members {
		m.unit.Drain()
	}
	deadline := time.After(p.cfg.DrainTimeout)
	for _, m := range members {
		select {
		case <-m.unit.Done():
		case <-deadline:
			p.logger.Warn("drain timeout; killing remaining workers", "timeout", p.cfg.DrainTimeout)
			for _, rest := range members {
				rest.unit.Kill()
			}
			p.unitCancel()
			return
		}
	}
	p.unitCancel()
	p.mu.Lock()
	p.members = make(map[string]*member)
	p.mu.Unlock()
	p.logger.Info("worker pool drained")
}
