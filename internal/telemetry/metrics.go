package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const runScopeName = "github.com/cascade-bot/cascade/run"

// runMetrics holds the counters for one process. Instruments are created
// lazily so they bind to whichever meter provider Init installed.
type runMetrics struct {
	merges       metric.Int64Counter
	conflicts    metric.Int64Counter
	advancements metric.Int64Counter
}

var (
	runOnce sync.Once
	run     runMetrics
)

func runCounters() *runMetrics {
	runOnce.Do(func() {
		m := Meter(runScopeName)
		run.merges, _ = m.Int64Counter("cascade.merges",
			metric.WithDescription("Forward merges landed on chain branches"),
		)
		run.conflicts, _ = m.Int64Counter("cascade.conflicts",
			metric.WithDescription("Forward merges quarantined on content conflict"),
		)
		run.advancements, _ = m.Int64Counter("cascade.advancements",
			metric.WithDescription("Known-good pointer advancements"),
		)
	})
	return &run
}

// CountMerge records one change landed on a chain branch.
func CountMerge(ctx context.Context, branch string) {
	if !Enabled() {
		return
	}
	runCounters().merges.Add(ctx, 1, metric.WithAttributes(attribute.String("cascade.branch", branch)))
}

// CountConflict records one quarantined conflict.
func CountConflict(ctx context.Context, branch string) {
	if !Enabled() {
		return
	}
	runCounters().conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("cascade.branch", branch)))
}

// CountAdvancement records one known-good pointer move.
func CountAdvancement(ctx context.Context, branch string) {
	if !Enabled() {
		return
	}
	runCounters().advancements.Add(ctx, 1, metric.WithAttributes(attribute.String("cascade.branch", branch)))
}
