package lifecycle

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/carepilot-io/carepilot/internal/lifecycle")

var (
	actionsStarted   metric.Int64Counter
	transitionsTotal metric.Int64Counter
	replaysTotal     metric.Int64Counter
	terminalTotal    metric.Int64Counter
)

func init() {
	var err error
	actionsStarted, err = meter.Int64Counter("actions.started.total",
		metric.WithDescription("Total action records created"))
	if err != nil {
		actionsStarted, _ = meter.Int64Counter("actions.started.total.fallback")
	}

	transitionsTotal, err = meter.Int64Counter("actions.transitions.total",
		metric.WithDescription("Total lifecycle state transitions"))
	if err != nil {
		transitionsTotal, _ = meter.Int64Counter("actions.transitions.total.fallback")
	}

	replaysTotal, err = meter.Int64Counter("actions.replays.total",
		metric.WithDescription("Idempotent requests served from an existing record"))
	if err != nil {
		replaysTotal, _ = meter.Int64Counter("actions.replays.total.fallback")
	}

	terminalTotal, err = meter.Int64Counter("actions.terminal.total",
		metric.WithDescription("Actions reaching a terminal state"))
	if err != nil {
		terminalTotal, _ = meter.Int64Counter("actions.terminal.total.fallback")
	}
}
