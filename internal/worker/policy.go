package worker

import (
	"fmt"
	"sort"
	"time"

	"github.com/basket/snapq/internal/config"
)

// ScalingPolicy bounds and steers the autoscaler.
type ScalingPolicy struct {
	MinWorkers             int           `json:"min_workers"`
	MaxWorkers             int           `json:"max_workers"`
	CPUUpThreshold         float64       `json:"cpu_up_threshold"`
	CPUDownThreshold       float64       `json:"cpu_down_threshold"`
	MemoryThresholdPct     float64       `json:"memory_threshold_pct"`
	MemoryCeilingPerWorker uint64        `json:"memory_ceiling_per_worker"`
	Cooldown               time.Duration `json:"cooldown"`
}

// PolicyFromConfig builds the policy from the scaling section.
func PolicyFromConfig(c config.ScalingConfig) ScalingPolicy {
	return ScalingPolicy{
		MinWorkers:             c.MinWorkers,
		MaxWorkers:             c.MaxWorkers,
		CPUUpThreshold:         c.CPUUpThreshold,
		CPUDownThreshold:       c.CPUDownThreshold,
		MemoryThresholdPct:     c.MemoryThresholdPct,
		MemoryCeilingPerWorker: c.MemoryCeilingBytes(),
		Cooldown:               c.Cooldown(),
	}
}

// Sample is one reading of host and worker resource usage.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
	// WorkerRSS maps worker id to resident bytes. Missing entries fall back
	// to Info.RSS.
	WorkerRSS map[string]uint64
	At        time.Time
}

// PoolState is the controller's view handed to Decide.
type PoolState struct {
	Workers     []Info
	LastScaleAt time.Time
	Now         time.Time
}

type Action string

const (
	ActionNone    Action = "none"
	ActionSpawn   Action = "spawn"
	ActionDrain   Action = "drain"
	ActionReplace Action = "replace"
)

// Rule names the policy rule that produced a decision.
const (
	RuleMemoryCeiling = "memory_ceiling"
	RuleMemoryPool    = "memory_pool"
	RuleBounds        = "bounds"
	RuleCooldown      = "cooldown"
	RuleCPUUp         = "cpu_up"
	RuleCPUDown       = "cpu_down"
	RuleSteady        = "steady"
)

// Decision says how to change the pool. Drain lists worker ids to drain;
// Spawn is the number of new workers to start. Scaled is set for decisions
// that start a new cool-down window.
type Decision struct {
	Action Action   `json:"action"`
	Spawn  int      `json:"spawn,omitempty"`
	Drain  []string `json:"drain,omitempty"`
	Rule   string   `json:"rule"`
	Reason string   `json:"reason"`
	Scaled bool     `json:"scaled,omitempty"`
}

// Decide applies the scaling rules in priority order:
//
//  1. memory protection: workers over the per-worker ceiling are replaced,
//     and when host memory is over threshold the largest worker is replaced
//     once per cool-down window;
//  2. bounds: the pool is topped up to MinWorkers, or trimmed to MaxWorkers;
//  3. cool-down: no memory- or CPU-driven change within Cooldown of the last;
//  4. CPU above the up threshold adds one worker, unless memory is high;
//  5. CPU below the down threshold drains one idle worker.
//
// The per-worker ceiling and the bounds ignore the cool-down.
func Decide(s Sample, p ScalingPolicy, st PoolState) Decision {
	active := make([]Info, 0, len(st.Workers))
	for _, w := range st.Workers {
		if w.State.Active() {
			active = append(active, w)
		}
	}
	rss := func(w Info) uint64 {
		if v, ok := s.WorkerRSS[w.ID]; ok {
			return v
		}
		return w.RSS
	}

	if p.MemoryCeilingPerWorker > 0 {
		var over []string
		for _, w := range active {
			if rss(w) > p.MemoryCeilingPerWorker {
				over = append(over, w.ID)
			}
		}
		if len(over) > 0 {
			return Decision{
				Action: ActionReplace, Spawn: len(over), Drain: over, Rule: RuleMemoryCeiling,
				Reason: fmt.Sprintf("%d worker(s) over the %d byte ceiling", len(over), p.MemoryCeilingPerWorker),
			}
		}
	}
	cooling := !st.LastScaleAt.IsZero() && st.Now.Sub(st.LastScaleAt) < p.Cooldown
	memoryHigh := p.MemoryThresholdPct > 0 && s.MemoryPercent > p.MemoryThresholdPct
	if memoryHigh && !cooling && len(active) > 0 {
		largest := active[0]
		for _, w := range active[1:] {
			if rss(w) > rss(largest) {
				largest = w
			}
		}
		return Decision{
			Action: ActionReplace, Spawn: 1, Drain: []string{largest.ID}, Rule: RuleMemoryPool, Scaled: true,
			Reason: fmt.Sprintf("memory %.1f%% over %.1f%%", s.MemoryPercent, p.MemoryThresholdPct),
		}
	}

	if n := len(active); n < p.MinWorkers {
		return Decision{
			Action: ActionSpawn, Spawn: p.MinWorkers - n, Rule: RuleBounds,
			Reason: fmt.Sprintf("%d active below minimum %d", n, p.MinWorkers),
		}
	}
	if n := len(active); p.MaxWorkers > 0 && n > p.MaxWorkers {
		victims := idleByAge(active, n-p.MaxWorkers)
		if len(victims) > 0 {
			return Decision{
				Action: ActionDrain, Drain: victims, Rule: RuleBounds,
				Reason: fmt.Sprintf("%d active above maximum %d", n, p.MaxWorkers),
			}
		}
	}

	if cooling {
		return Decision{Action: ActionNone, Rule: RuleCooldown,
			Reason: fmt.Sprintf("cool-down until %s", st.LastScaleAt.Add(p.Cooldown).Format(time.RFC3339))}
	}

	if s.CPUPercent > p.CPUUpThreshold {
		if memoryHigh {
			return Decision{Action: ActionNone, Rule: RuleSteady, Reason: "cpu high but memory over threshold"}
		}
		if len(active) >= p.MaxWorkers {
			return Decision{Action: ActionNone, Rule: RuleSteady, Reason: "cpu high but pool at maximum"}
		}
		return Decision{
			Action: ActionSpawn, Spawn: 1, Rule: RuleCPUUp, Scaled: true,
			Reason: fmt.Sprintf("cpu %.1f%% over %.1f%%", s.CPUPercent, p.CPUUpThreshold),
		}
	}
	if s.CPUPercent < p.CPUDownThreshold && len(active) > p.MinWorkers {
		victims := idleByAge(active, 1)
		if len(victims) == 0 {
			return Decision{Action: ActionNone, Rule: RuleSteady, Reason: "cpu low but no idle worker"}
		}
		return Decision{
			Action: ActionDrain, Drain: victims, Rule: RuleCPUDown, Scaled: true,
			Reason: fmt.Sprintf("cpu %.1f%% under %.1f%%", s.CPUPercent, p.CPUDownThreshold),
		}
	}
	return Decision{Action: ActionNone, Rule: RuleSteady}
}

// idleByAge returns up to n idle worker ids, youngest first.
func idleByAge(active []Info, n int) []string {
	var idle []Info
	for _, w := range active {
		if w.State == StateIdle {
			idle = append(idle, w)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool { return idle[i].StartedAt.After(idle[j].StartedAt) })
	out := make([]string, 0, n)
	for i := 0; i < len(idle) && i < n; i++ {
		out = append(out, idle[i].ID)
	}
	return out
}
