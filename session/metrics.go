package session

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/peer-connect/internal/otel"
)

var (
	joinsStarted  metric.Int64Counter
	joinsFailed   metric.Int64Counter
	joinsCanceled metric.Int64Counter
	joinLatency   metric.Float64Histogram

	teardowns     metric.Int64Counter
	sinksAttached metric.Int64Counter
	sinksReleased metric.Int64Counter
	sideEffectErr metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("session", intotel.PrefixSession)

	f.Int64Counter(&joinsStarted, "joins.started",
		metric.WithDescription("Join attempts"))
	f.Int64Counter(&joinsFailed, "joins.failed",
		metric.WithDescription("Join attempts that ended in JoinFailed"))
	f.Int64Counter(&joinsCanceled, "joins.canceled",
		metric.WithDescription("Join attempts canceled by leave"))
	f.Float64Histogram(&joinLatency, "join.latency",
		metric.WithDescription("Time from join to connected"),
		metric.WithUnit("s"))

	f.Int64Counter(&teardowns, "teardowns",
		metric.WithDescription("Call teardowns"))
	f.Int64Counter(&sinksAttached, "sinks.attached",
		metric.WithDescription("Remote media sinks attached"))
	f.Int64Counter(&sinksReleased, "sinks.released",
		metric.WithDescription("Remote media sinks released"))
	f.Int64Counter(&sideEffectErr, "leave.side_effect_failures",
		metric.WithDescription("call_ended publishes or completions that failed on leave"))
}
