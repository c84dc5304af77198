package otel

// Metric prefixes for each service
// Each service should define its own metric names and use these prefixes
const (
	PrefixRequests = "requests"
	PrefixMatch    = "match"
	PrefixRooms    = "rooms"
	PrefixRelay    = "relay"
	PrefixGateway  = "gateway"
	PrefixSession  = "session"
)
