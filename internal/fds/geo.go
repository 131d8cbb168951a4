package fds

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves IP countries from a local MaxMind GeoLite2 database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

var _ GeoResolver = (*MaxMindResolver)(nil)

// NewMaxMindResolver opens a GeoLite2-Country database file.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fds: open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

// Country returns the ISO country code for an IP, or "" when unknown.
func (r *MaxMindResolver) Country(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("fds: invalid ip %q", ip)
	}
	record, err := r.db.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("fds: geoip lookup: %w", err)
	}
	return record.Country.IsoCode, nil
}

// Close releases the underlying database.
func (r *MaxMindResolver) Close() error {
	return r.db.Close()
}
