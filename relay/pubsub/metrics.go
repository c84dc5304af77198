package pubsub

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/peer-connect/internal/otel"
)

var (
	eventsPublished metric.Int64Counter
	eventsFailed    metric.Int64Counter
	eventsDelivered metric.Int64Counter
	eventsDropped   metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("relay.pubsub", intotel.PrefixRelay)

	f.Int64Counter(&eventsPublished, "events.published",
		metric.WithDescription("Events handed to Redis"))

	f.Int64Counter(&eventsFailed, "events.failed",
		metric.WithDescription("Events that could not be published"))

	f.Int64Counter(&eventsDelivered, "events.delivered",
		metric.WithDescription("Events delivered to a local subscriber"))

	f.Int64Counter(&eventsDropped, "events.dropped",
		metric.WithDescription("Events dropped for slow subscribers"))
}
