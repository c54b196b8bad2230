package processing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/snapq/internal/broker"
	"github.com/basket/snapq/internal/fault"
)

// CleanupPayload optionally overrides the retention window of one run.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// Cleanup purges terminal task records older than the retention window along
// with expired coordination keys. It is the handler of the scheduled
// maintenance.cleanup task.
type Cleanup struct {
	Store     broker.Store
	Retention time.Duration
	Clock     func() time.Time
	Logger    *slog.Logger
}

func (c Cleanup) Process(ctx context.Context, task *broker.Task) (Result, error) {
	retention := c.Retention
	if len(task.Payload) > 0 {
		var p CleanupPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return nil, fault.Permanent(fault.E(fault.Validation, "processing.cleanup", fmt.Errorf("decode cleanup payload: %w", err)))
		}
		if p.RetentionHours > 0 {
			retention = time.Duration(p.RetentionHours) * time.Hour
		}
	}
	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}
	before := now().Add(-retention)
	n, err := c.Store.Purge(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("purge terminal tasks: %w", err)
	}
	if c.Logger != nil {
		c.Logger.Info("cleanup finished", "task_id", task.ID, "purged", n, "before", before)
	}
	return json.Marshal(map[string]any{"purged": n, "before": before})
}
