// Package geo resolves order IP addresses to ISO-3166 country codes.
package geo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// DefaultCountry is returned whenever an address cannot be resolved.
const DefaultCountry = "US"

var ErrInvalidIP = errors.New("invalid ip address")

// Lookuper is the geolocation database used by Resolver.
type Lookuper interface {
	Country(ip net.IP) (string, error)
}

// Resolver maps IP addresses to countries, falling back to a fixed default so
// that a missing or broken lookup never blocks reconciliation.
type Resolver struct {
	db       Lookuper
	fallback string
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFallback overrides DefaultCountry.
func WithFallback(country string) Option {
	return func(r *Resolver) {
		if country != "" {
			r.fallback = country
		}
	}
}

// NewResolver creates a resolver over db.
func NewResolver(db Lookuper, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{db: db, fallback: DefaultCountry, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the country for ip, or the fallback country.
func (r *Resolver) Resolve(ctx context.Context, ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		r.logger.WarnContext(ctx, "ip not parsable, using fallback country", "ip", ip, "country", r.fallback)
		return r.fallback
	}

	country, err := r.db.Country(parsed)
	if err != nil {
		r.logger.WarnContext(ctx, "ip lookup failed, using fallback country", "ip", ip, "country", r.fallback, "error", err)
		return r.fallback
	}
	if country == "" {
		r.logger.WarnContext(ctx, "ip not found in geoip database", "ip", ip, "country", r.fallback)
		return r.fallback
	}
	return country
}

// MaxMindDB reads a GeoLite2/GeoIP2 City or Country database.
type MaxMindDB struct {
	reader *geoip2.Reader
}

var _ Lookuper = (*MaxMindDB)(nil)

// Open opens the mmdb file at path.
func Open(path string) (*MaxMindDB, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database: %w", err)
	}
	return &MaxMindDB{reader: reader}, nil
}

// Country implements Lookuper.
func (m *MaxMindDB) Country(ip net.IP) (string, error) {
	if ip == nil {
		return "", ErrInvalidIP
	}
	record, err := m.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

// Close releases the database.
func (m *MaxMindDB) Close() error {
	return m.reader.Close()
}
