package match

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	intotel "github.com/imtaco/peer-connect/internal/otel"
)

var (
	tracer trace.Tracer

	// Request lifecycle
	requestsCreated   metric.Int64Counter
	requestsRejected  metric.Int64Counter
	requestsCanceled  metric.Int64Counter
	requestsCompleted metric.Int64Counter
	requestsExpired   metric.Int64Counter
	requestsReaped    metric.Int64Counter

	// Accept races
	acceptsWon   metric.Int64Counter
	acceptsLost  metric.Int64Counter
	matchLatency metric.Float64Histogram

	notifyFailures metric.Int64Counter

	// Background expiry
	sweepRuns     metric.Int64Counter
	sweepFailures metric.Int64Counter
	expiryTasks   metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("requests.match", intotel.PrefixMatch)
	tracer = f.Tracer()

	f.Int64Counter(&requestsCreated, "requests.created",
		metric.WithDescription("Requests created"))

	f.Int64Counter(&requestsRejected, "requests.rejected",
		metric.WithDescription("Creates rejected because the user already had a live request"))

	f.Int64Counter(&requestsCanceled, "requests.canceled",
		metric.WithDescription("Requests withdrawn by their owner"))

	f.Int64Counter(&requestsCompleted, "requests.completed",
		metric.WithDescription("Matched requests marked completed"))

	f.Int64Counter(&requestsExpired, "requests.expired",
		metric.WithDescription("Available requests completed after their deadline"))

	f.Int64Counter(&requestsReaped, "requests.reaped",
		metric.WithDescription("Completed rows deleted after retention"))

	f.Int64Counter(&acceptsWon, "accepts.won",
		metric.WithDescription("Accepts that matched a request"))

	f.Int64Counter(&acceptsLost, "accepts.lost",
		metric.WithDescription("Accepts that found the request gone"))

	f.Float64Histogram(&matchLatency, "match.latency",
		metric.WithDescription("Seconds from creation to match"),
		metric.WithUnit("s"))

	f.Int64Counter(&notifyFailures, "notify.failures",
		metric.WithDescription("Relay events that could not be published"))

	f.Int64Counter(&sweepRuns, "sweep.runs",
		metric.WithDescription("Reaper sweeps"))

	f.Int64Counter(&sweepFailures, "sweep.failures",
		metric.WithDescription("Reaper sweeps that failed"))

	f.Int64Counter(&expiryTasks, "expiry.tasks",
		metric.WithDescription("Expiry tasks processed"))
}
