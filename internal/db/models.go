package db

import "time"

// RequestEvent is one row of request telemetry.
// Status and LatencyMs are nil for connections dropped before any response.
type RequestEvent struct {
	ID               int64
	TS               time.Time
	IP               string
	Host             string
	Method           string
	Path             string
	RawQuery         *string
	Status           *int
	LatencyMs        *int
	UA               *string
	MatchedRule      *string
	RequestID        *string
	SuspiciousReason *string
	Severity         *int
}

// BlacklistEntry is a blocked client address
type BlacklistEntry struct {
	IP          string
	Reason      *string
	CountryCode *string
	FirstSeen   time.Time
	LastSeen    time.Time
	Hits        int64
}

// AllowlistEntry is an address exempt from blocking
type AllowlistEntry struct {
	IP        string
	Note      *string
	CreatedAt time.Time
}

// nullable returns nil for the empty string
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
