// Package geoip resolves client addresses to ISO country codes from a
// MaxMind GeoLite2/GeoIP2 Country or City database.
package geoip

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// Lookup resolves country codes. A nil *Lookup is valid and resolves nothing.
type Lookup struct {
	reader *geoip2.Reader
	logger *slog.Logger
}

// Open loads the database at path. An empty path returns a nil Lookup.
func Open(path string, logger *slog.Logger) (*Lookup, error) {
	if path == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}
	meta := reader.Metadata()
	logger.Info("loaded GeoIP database", "path", path, "type", meta.DatabaseType, "build_epoch", meta.BuildEpoch)
	return &Lookup{reader: reader, logger: logger.With("component", "geoip")}, nil
}

// CountryCode returns the upper-case two-letter country for ip, or "" when
// unknown
func (l *Lookup) CountryCode(ip string) string {
	if l == nil || l.reader == nil {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	record, err := l.reader.Country(parsed)
	if err != nil {
		l.logger.Debug("GeoIP country lookup failed", "ip", ip, "error", err)
		return ""
	}
	return strings.ToUpper(record.Country.IsoCode)
}

// Close releases the database
func (l *Lookup) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}

// EdgeCountry normalizes a country header set by the edge. Blank, "XX" (unknown)
// and "T1" (Tor) read as "".
func EdgeCountry(header string) string {
	code := strings.ToUpper(strings.TrimSpace(header))
	if len(code) != 2 || code == "XX" || code == "T1" {
		return ""
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return ""
		}
	}
	return code
}

// Resolve prefers the edge-supplied country and falls back to the database
func (l *Lookup) Resolve(edgeHeader, ip string) string {
	if code := EdgeCountry(edgeHeader); code != "" {
		return code
	}
	return l.CountryCode(ip)
}
