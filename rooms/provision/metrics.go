package provision

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/peer-connect/internal/otel"
)

var (
	participantsRegistered metric.Int64Counter
	participantsExisting   metric.Int64Counter
	membershipCacheHits    metric.Int64Counter
	membershipLookups      metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("rooms.provision", intotel.PrefixRooms)

	f.Int64Counter(&participantsRegistered, "participants.registered",
		metric.WithDescription("Participant records written"))

	f.Int64Counter(&participantsExisting, "participants.existing",
		metric.WithDescription("Registrations that found an existing record"))

	f.Int64Counter(&membershipCacheHits, "membership.cache_hits",
		metric.WithDescription("Membership checks answered from cache"))

	f.Int64Counter(&membershipLookups, "membership.lookups",
		metric.WithDescription("Membership checks that reached etcd"))
}
