// Package heuristics classifies requests as suspicious from their query
// string, user agent and path. Every function here is pure.
package heuristics

import "strings"

// Reasons recorded on request events and blacklist entries
const (
	ReasonSuspiciousQuery  = "SUSPICIOUS_QUERY"
	ReasonMissingUA        = "MISSING_UA"
	ReasonBotUA            = "BOT_UA"
	ReasonExploitPath      = "EXPLOIT_PATH"
	ReasonBlacklisted      = "BLACKLISTED"
	ReasonIllegalQueryChar = "ILLEGAL_QUERY_CHAR"
	ReasonBypassNoEdge     = "BYPASS_NO_CF"
)

// Severities run from 1 (informational) to 4 (blocked)
const (
	SeverityMissingUA       = 1
	SeverityBotUA           = 2
	SeveritySuspiciousQuery = 3
	SeverityBlock           = 4
)

// Suspicion is a classification with its severity
type Suspicion struct {
	Reason   string
	Severity int
}

var (
	queryMarkers   = []string{"wget", "curl", "|", ";", "cmd="}
	botUAMarkers   = []string{"bot", "spider", "crawler", "masscan", "nmap", "zgrab", "curl", "wget", "python-requests", "go-http-client"}
	exploitMarkers = []string{"/wp-", "/.env", "/cgi-bin", "/phpmyadmin", "/.git"}
)

// DetectSuspicious checks the query first, then the user agent.
// It returns nil for unremarkable requests.
func DetectSuspicious(rawQuery, userAgent string) *Suspicion {
	if containsAny(strings.ToLower(rawQuery), queryMarkers) {
		return &Suspicion{Reason: ReasonSuspiciousQuery, Severity: SeveritySuspiciousQuery}
	}

	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return &Suspicion{Reason: ReasonMissingUA, Severity: SeverityMissingUA}
	}
	if containsAny(ua, botUAMarkers) {
		return &Suspicion{Reason: ReasonBotUA, Severity: SeverityBotUA}
	}
	return nil
}

// DetectExploitPath returns ReasonExploitPath when path probes for a well-known
// vulnerable location, or "" otherwise.
func DetectExploitPath(path string) string {
	if containsAny(strings.ToLower(path), exploitMarkers) {
		return ReasonExploitPath
	}
	return ""
}

// IsBot reports whether s classifies the user agent as automated
func (s *Suspicion) IsBot() bool {
	return s != nil && s.Reason == ReasonBotUA
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
