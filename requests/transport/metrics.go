package transport

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/peer-connect/internal/otel"
)

var (
	rateLimitedRequests metric.Int64Counter
	tokensIssued        metric.Int64Counter
	tokensDenied        metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("requests.transport", intotel.PrefixRequests)

	f.Int64Counter(&rateLimitedRequests, "http.rate_limited",
		metric.WithDescription("Mutations rejected by the per-user limiter"))

	f.Int64Counter(&tokensIssued, "tokens.issued",
		metric.WithDescription("Room access tokens issued"))

	f.Int64Counter(&tokensDenied, "tokens.denied",
		metric.WithDescription("Room access tokens refused to non-participants"))
}
