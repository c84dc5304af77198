package requests

import "time"

// RequestTTL is fixed by policy; it is not configurable.
const RequestTTL = 10 * time.Minute

func ExpiresAt(createdAt time.Time) time.Time {
	return createdAt.Add(RequestTTL)
}

// IsExpired is derived from the clock only, regardless of stored status.
func IsExpired(req *ConnectRequest, now time.Time) bool {
	return !now.Before(req.ExpiresAt)
}

// IsLive reports whether req may be listed or accepted at now.
func IsLive(req *ConnectRequest, now time.Time) bool {
	if req == nil {
		return false
	}
	return req.Status == StatusAvailable && now.Before(req.ExpiresAt)
}

// Remaining is the countdown shown to users, never negative.
func Remaining(req *ConnectRequest, now time.Time) time.Duration {
	d := req.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Age is how long ago the request was created.
func Age(req *ConnectRequest, now time.Time) time.Duration {
	d := now.Sub(req.CreatedAt)
	if d < 0 {
		return 0
	}
	return d
}
