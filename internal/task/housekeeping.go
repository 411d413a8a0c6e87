package task

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultHousekeepingInterval is how often expired state is swept.
	DefaultHousekeepingInterval = 5 * time.Minute

	housekeepingTaskName = "housekeeping"
	logEventHousekeeping = "housekeeping"
)

// Pruner drops expired in-memory state and reports how many entries it removed.
type Pruner interface {
	Prune() int
}

// HousekeepingJob sweeps expired admin sessions and closed rate-limit windows
// so the in-memory maps stay bounded.
type HousekeepingJob struct {
	pruners map[string]Pruner
	logger  *zap.Logger
}

// NewHousekeepingJob registers named pruners. Nil pruners are skipped.
func NewHousekeepingJob(pruners map[string]Pruner, logger *zap.Logger) *HousekeepingJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	registered := make(map[string]Pruner, len(pruners))
	for name, pruner := range pruners {
		if pruner != nil {
			registered[name] = pruner
		}
	}
	return &HousekeepingJob{pruners: registered, logger: logger}
}

// Run prunes every registered target once and returns the removal counts.
func (job *HousekeepingJob) Run(ctx context.Context) map[string]int {
	removed := make(map[string]int, len(job.pruners))
	for name, pruner := range job.pruners {
		if ctx.Err() != nil {
			break
		}
		removed[name] = pruner.Prune()
	}

	fields := make([]zap.Field, 0, len(removed))
	total := 0
	for name, count := range removed {
		fields = append(fields, zap.Int(name, count))
		total += count
	}
	if total > 0 {
		job.logger.Debug(logEventHousekeeping, fields...)
	}
	return removed
}

// Scheduler wraps the job in a Scheduler firing every interval.
func (job *HousekeepingJob) Scheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultHousekeepingInterval
	}
	return NewScheduler(housekeepingTaskName, interval, func(ctx context.Context) {
		job.Run(ctx)
	}, job.logger)
}
