package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

var ErrUnavailable = errors.New("geoip resolver unavailable")

// CountryResolver maps an IP address to an ISO 3166-1 alpha-2 code.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

// Resolver reads a MaxMind GeoIP2/GeoLite2 country database.
type Resolver struct {
	reader *geoip2.Reader
}

// NewResolver opens the database at path. An empty path disables GeoIP and
// returns a nil resolver without error.
func NewResolver(path string) (CountryResolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &Resolver{reader: reader}, nil
}

func (r *Resolver) CountryCode(ip string) (string, error) {
	if r == nil || r.reader == nil {
		return "", ErrUnavailable
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	rec, err := r.reader.Country(addr)
	if err != nil {
		return "", fmt.Errorf("geoip: country of %s: %w", ip, err)
	}
	return rec.Country.IsoCode, nil
}

func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}

// LookupFunc adapts r for the i18n middleware. Loopback, private and
// link-local addresses resolve to "" without touching the database. A nil
// resolver yields a nil func, leaving the middleware on header hints only.
func LookupFunc(r CountryResolver) func(ip string) (string, error) {
	if r == nil {
		return nil
	}
	return func(ip string) (string, error) {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return "", fmt.Errorf("geoip: invalid ip %q", ip)
		}
		if !addr.IsGlobalUnicast() || addr.IsPrivate() {
			return "", nil
		}
		return r.CountryCode(addr.Unmap().String())
	}
}
