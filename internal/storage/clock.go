package storage

import "time"

// Clock returns the current time. The Connector calls through this seam
// instead of time.Now directly so tests can freeze or advance time —
// needed for claim-lease-expiry scenarios.
type Clock func() time.Time

func realClock() time.Time { return time.Now() }
