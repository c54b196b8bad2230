package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/bus"
	"github.com/basket/snapq/internal/fault"
	"github.com/basket/snapq/internal/metrics"
)

// LeaderKey is the broker key holding the scheduler leader lease.
const LeaderKey = "scheduler/leader"

// Lease is the value stored under LeaderKey.
type Lease struct {
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LeadershipChange is published on bus.TopicLeadership.
type LeadershipChange struct {
	HolderID string    `json:"holder_id"`
	Leader   bool      `json:"leader"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type ElectorConfig struct {
	Store broker.Store
	// HolderID identifies this instance; empty generates one.
	HolderID string
	TTL      time.Duration
	Bus      *bus.Bus
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Elector holds the scheduler leader lease through CAS on the broker. The
// lease is renewed every TTL/3; leadership is dropped locally as soon as a
// renewal fails or the last confirmed renewal is older than the TTL.
type Elector struct {
	store  broker.Store
	id     string
	ttl    time.Duration
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	held       []byte
	leading    bool
	validUntil time.Time
}

func NewElector(cfg ElectorConfig) (*Elector, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.HolderID == "" {
		cfg.HolderID = uuid.NewString()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Elector{
		store:  cfg.Store,
		id:     cfg.HolderID,
		ttl:    cfg.TTL,
		bus:    cfg.Bus,
		logger: cfg.Logger.With("component", "elector", "holder_id", cfg.HolderID),
		now:    cfg.Clock,
	}, nil
}

func (e *Elector) ID() string { return e.id }

// IsLeader reports whether this instance holds a lease it has confirmed
// within the TTL.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leading {
		return false
	}
	if !e.now().Before(e.validUntil) {
		e.loseLocked("lease expired before renewal")
		return false
	}
	return true
}

// Campaign makes one acquisition or renewal attempt and reports whether this
// instance leads afterwards.
func (e *Elector) Campaign(ctx context.Context) (bool, error) {
	start := e.now()
	next, err := json.Marshal(Lease{HolderID: e.id, ExpiresAt: start.Add(e.ttl).UTC()})
	if err != nil {
		return false, fmt.Errorf("encode lease: %w", err)
	}

	e.mu.Lock()
	expected := e.held
	leading := e.leading
	e.mu.Unlock()

	if !leading {
		cur, err := e.store.Load(ctx, LeaderKey)
		if err != nil {
			return false, fmt.Errorf("load leader lease: %w", err)
		}
		if cur != nil {
			var l Lease
			if err := json.Unmarshal(cur, &l); err == nil && l.HolderID != e.id {
				return false, nil
			}
		}
		expected = cur
	}

	ok, err := e.store.CAS(ctx, LeaderKey, expected, next, e.ttl)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.leading {
			e.loseLocked("renewal failed: " + err.Error())
		}
		return false, fmt.Errorf("write leader lease: %w", err)
	}
	if !ok {
		if e.leading {
			e.loseLocked("lease taken by another holder")
		}
		return false, nil
	}
	e.held = next
	e.validUntil = start.Add(e.ttl)
	if !e.leading {
		e.leading = true
		metrics.IsLeader.Set(1)
		e.logger.Info("scheduler leadership acquired", "ttl", e.ttl)
		e.bus.Publish(bus.TopicLeadership, LeadershipChange{HolderID: e.id, Leader: true, At: start})
	}
	return true, nil
}

func (e *Elector) loseLocked(reason string) {
	e.leading = false
	e.held = nil
	metrics.IsLeader.Set(0)
	err := fault.New(fault.LeaderLost, "scheduler.elector", reason)
	e.logger.Warn("scheduler leadership lost", "kind", fault.LeaderLost, "error", err)
	e.bus.Publish(bus.TopicLeadership, LeadershipChange{HolderID: e.id, Leader: false, Reason: reason, At: e.now()})
}

// Run campaigns every TTL/3 until ctx ends, then resigns.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Campaign(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("leader campaign failed", "error", err)
		}
		select {
		case <-ctx.Done():
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := e.Resign(rctx); err != nil {
				e.logger.Warn("resign leadership", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// Resign releases the lease if this instance still holds it, so a peer can
// take over without waiting for the TTL.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	held := e.held
	leading := e.leading
	e.leading = false
	e.held = nil
	e.mu.Unlock()
	if !leading || held == nil {
		return nil
	}
	metrics.IsLeader.Set(0)
	released, err := e.store.CAS(ctx, LeaderKey, held, nil, 0)
	if err != nil {
		return fmt.Errorf("release leader lease: %w", err)
	}
	if !released {
		return nil
	}
	e.logger.Info("scheduler leadership released")
	e.bus.Publish(bus.TopicLeadership, LeadershipChange{HolderID: e.id, Leader: false, Reason: "resigned", At: e.now()})
	return nil
}
