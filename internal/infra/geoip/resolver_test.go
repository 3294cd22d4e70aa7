package geoip

import (
	"errors"
	"testing"
)

type fixedResolver string

func (f fixedResolver) CountryCode(string) (string, error) { return string(f), nil }

func TestNewResolverEmptyPath(t *testing.T) {
	r, err := NewResolver("  ")
	if err != nil || r != nil {
		t.Fatalf("expected nil resolver, got %v %v", r, err)
	}
	if LookupFunc(r) != nil {
		t.Fatal("expected nil lookup for nil resolver")
	}
}

func TestNewResolverMissingFile(t *testing.T) {
	if _, err := NewResolver("/nonexistent/GeoLite2-Country.mmdb"); err == nil {
		t.Fatal("expected open error")
	}
}

func TestNilResolverUnavailable(t *testing.T) {
	var r *Resolver
	if _, err := r.CountryCode("1.1.1.1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestLookupFunc(t *testing.T) {
	lookup := LookupFunc(fixedResolver("ID"))
	code, err := lookup("36.64.0.1")
	if err != nil || code != "ID" {
		t.Fatalf("unexpected lookup %q %v", code, err)
	}
}

type countingResolver struct{ calls int }

func (c *countingResolver) CountryCode(string) (string, error) {
	c.calls++
	return "SG", nil
}

func TestLookupFuncSkipsLocalAddresses(t *testing.T) {
	r := &countingResolver{}
	lookup := LookupFunc(r)
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.9", "::1", "fe80::1"} {
		code, err := lookup(ip)
		if err != nil || code != "" {
			t.Fatalf("lookup(%s) = %q, %v", ip, code, err)
		}
	}
	if r.calls != 0 {
		t.Fatalf("database consulted %d times for local addresses", r.calls)
	}
	if _, err := lookup("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid ip")
	}
	if code, _ := lookup("::ffff:8.8.8.8"); code != "SG" || r.calls != 1 {
		t.Fatalf("mapped public address: code=%q calls=%d", code, r.calls)
	}
}
