package worker_test

import (
	"testing"
	"time"

	"github.com/basket/snapq/internal/config"
	"github.com/basket/snapq/internal/worker"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func testPolicy() worker.ScalingPolicy {
	return worker.ScalingPolicy{
		MinWorkers:             1,
		MaxWorkers:             3,
		CPUUpThreshold:         75,
		CPUDownThreshold:       25,
		MemoryThresholdPct:     85,
		MemoryCeilingPerWorker: 1000,
		Cooldown:               time.Minute,
	}
}

func idle(id string, started time.Duration) worker.Info {
	return worker.Info{ID: id, State: worker.StateIdle, StartedAt: t0.Add(started)}
}

func busy(id string, rss uint64) worker.Info {
	return worker.Info{ID: id, State: worker.StateBusy, StartedAt: t0, RSS: rss}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		sample     worker.Sample
		workers    []worker.Info
		lastScale  time.Time
		wantAction worker.Action
		wantRule   string
		wantSpawn  int
		wantDrain  []string
		wantScaled bool
	}{
		{
			name:       "cpu high spawns one",
			sample:     worker.Sample{CPUPercent: 90, MemoryPercent: 40},
			workers:    []worker.Info{busy("a", 10)},
			wantAction: worker.ActionSpawn, wantRule: worker.RuleCPUUp, wantSpawn: 1, wantScaled: true,
		},
		{
			name:       "cpu high at max does nothing",
			sample:     worker.Sample{CPUPercent: 90},
			workers:    []worker.Info{busy("a", 0), busy("b", 0), busy("c", 0)},
			wantAction: worker.ActionNone, wantRule: worker.RuleSteady,
		},
		{
			name:       "cooldown blocks cpu scaling",
			sample:     worker.Sample{CPUPercent: 90},
			workers:    []worker.Info{busy("a", 0)},
			lastScale:  t0.Add(-30 * time.Second),
			wantAction: worker.ActionNone, wantRule: worker.RuleCooldown,
		},
		{
			name:       "cooldown elapsed allows scaling",
			sample:     worker.Sample{CPUPercent: 90},
			workers:    []worker.Info{busy("a", 0)},
			lastScale:  t0.Add(-61 * time.Second),
			wantAction: worker.ActionSpawn, wantRule: worker.RuleCPUUp, wantSpawn: 1, wantScaled: true,
		},
		{
			name:       "cpu low drains youngest idle",
			sample:     worker.Sample{CPUPercent: 5},
			workers:    []worker.Info{idle("old", 0), idle("young", time.Minute), busy("b", 0)},
			wantAction: worker.ActionDrain, wantRule: worker.RuleCPUDown, wantDrain: []string{"young"}, wantScaled: true,
		},
		{
			name:       "cpu low never drains busy workers",
			sample:     worker.Sample{CPUPercent: 5},
			workers:    []worker.Info{busy("a", 0), busy("b", 0)},
			wantAction: worker.ActionNone, wantRule: worker.RuleSteady,
		},
		{
			name:       "cpu low at min does nothing",
			sample:     worker.Sample{CPUPercent: 5},
			workers:    []worker.Info{idle("a", 0)},
			wantAction: worker.ActionNone, wantRule: worker.RuleSteady,
		},
		{
			name:       "below min tops up despite cooldown",
			sample:     worker.Sample{CPUPercent: 50},
			workers:    nil,
			lastScale:  t0.Add(-time.Second),
			wantAction: worker.ActionSpawn, wantRule: worker.RuleBounds, wantSpawn: 1,
		},
		{
			name:       "draining workers do not count as active",
			sample:     worker.Sample{CPUPercent: 50},
			workers:    []worker.Info{{ID: "d", State: worker.StateDraining}},
			wantAction: worker.ActionSpawn, wantRule: worker.RuleBounds, wantSpawn: 1,
		},
		{
			name:       "above max trims idle",
			sample:     worker.Sample{CPUPercent: 50},
			workers:    []worker.Info{idle("a", 0), idle("b", time.Second), idle("c", 2*time.Second), idle("d", 3*time.Second)},
			wantAction: worker.ActionDrain, wantRule: worker.RuleBounds, wantDrain: []string{"d"},
		},
		{
			name:       "worker over ceiling is replaced despite cooldown",
			sample:     worker.Sample{CPUPercent: 50, WorkerRSS: map[string]uint64{"a": 2000}},
			workers:    []worker.Info{busy("a", 0), busy("b", 0)},
			lastScale:  t0.Add(-time.Second),
			wantAction: worker.ActionReplace, wantRule: worker.RuleMemoryCeiling, wantSpawn: 1, wantDrain: []string{"a"},
		},
		{
			name:       "info rss used when sample lacks worker",
			sample:     worker.Sample{CPUPercent: 50},
			workers:    []worker.Info{busy("a", 10), busy("b", 5000)},
			wantAction: worker.ActionReplace, wantRule: worker.RuleMemoryCeiling, wantSpawn: 1, wantDrain: []string{"b"},
		},
		{
			name:       "pool memory high replaces largest and blocks cpu scale up",
			sample:     worker.Sample{CPUPercent: 95, MemoryPercent: 90, WorkerRSS: map[string]uint64{"a": 100, "b": 900}},
			workers:    []worker.Info{busy("a", 0), busy("b", 0)},
			wantAction: worker.ActionReplace, wantRule: worker.RuleMemoryPool, wantSpawn: 1, wantDrain: []string{"b"}, wantScaled: true,
		},
		{
			name:       "pool memory high waits out the cooldown",
			sample:     worker.Sample{CPUPercent: 50, MemoryPercent: 90, WorkerRSS: map[string]uint64{"a": 100, "b": 900}},
			workers:    []worker.Info{busy("a", 0), busy("b", 0)},
			lastScale:  t0.Add(-30 * time.Second),
			wantAction: worker.ActionNone, wantRule: worker.RuleCooldown,
		},
		{
			name:       "below min tops up while memory is high and cooling",
			sample:     worker.Sample{CPUPercent: 50, MemoryPercent: 90},
			workers:    nil,
			lastScale:  t0.Add(-time.Second),
			wantAction: worker.ActionSpawn, wantRule: worker.RuleBounds, wantSpawn: 1,
		},
		{
			name:       "steady in the band",
			sample:     worker.Sample{CPUPercent: 50, MemoryPercent: 50},
			workers:    []worker.Info{idle("a", 0), busy("b", 0)},
			wantAction: worker.ActionNone, wantRule: worker.RuleSteady,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := worker.Decide(tc.sample, testPolicy(), worker.PoolState{Workers: tc.workers, LastScaleAt: tc.lastScale, Now: t0})
			if d.Action != tc.wantAction || d.Rule != tc.wantRule {
				t.Fatalf("decision = %+v, want action %s rule %s", d, tc.wantAction, tc.wantRule)
			}
			if d.Spawn != tc.wantSpawn {
				t.Fatalf("spawn = %d, want %d", d.Spawn, tc.wantSpawn)
			}
			if len(d.Drain) != len(tc.wantDrain) {
				t.Fatalf("drain = %v, want %v", d.Drain, tc.wantDrain)
			}
			for i := range d.Drain {
				if d.Drain[i] != tc.wantDrain[i] {
					t.Fatalf("drain = %v, want %v", d.Drain, tc.wantDrain)
				}
			}
			if d.Scaled != tc.wantScaled {
				t.Fatalf("scaled = %v, want %v", d.Scaled, tc.wantScaled)
			}
		})
	}
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default(t.TempDir()).Scaling
	p := worker.PolicyFromConfig(cfg)
	if p.MinWorkers != cfg.MinWorkers || p.MaxWorkers != cfg.MaxWorkers {
		t.Fatalf("policy = %+v", p)
	}
	if p.MemoryCeilingPerWorker != 4000<<20 || p.Cooldown != time.Minute {
		t.Fatalf("policy = %+v", p)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]worker.State{
		{worker.StateSpawning, worker.StateIdle},
		{worker.StateIdle, worker.StateBusy},
		{worker.StateBusy, worker.StateIdle},
		{worker.StateBusy, worker.StateDraining},
		{worker.StateDraining, worker.StateTerminated},
		{worker.StateIdle, worker.StateTerminated},
	}
	for _, tr := range legal {
		if !worker.CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be legal", tr[0], tr[1])
		}
	}
	illegal := [][2]worker.State{
		{worker.StateDraining, worker.StateIdle},
		{worker.StateTerminated, worker.StateIdle},
		{worker.StateSpawning, worker.StateBusy},
	}
	for _, tr := range illegal {
		if worker.CanTransition(tr[0], tr[1]) {
			t.Fatalf("%s -> %s should be illegal", tr[0], tr[1])
		}
	}
}
