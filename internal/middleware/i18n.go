package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

// supported are the locales user-facing messages exist in, default first.
var supported = []language.Tag{language.English, language.Indonesian}

var matcher = language.NewMatcher(supported)

const defaultLocale = "en"

type localeContextKey struct{}
type countryContextKey struct{}

var (
	LocaleKey  = localeContextKey{}
	CountryKey = countryContextKey{}
)

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// countryHeaders are proxy/CDN headers carrying a country code, strongest first.
var countryHeaders = []string{"X-Country-Code", "X-IP-Country", "CF-IPCountry", "X-Appengine-Country"}

// I18N stores the negotiated locale (and a country hint when one is known)
// in the request context. Quota messages are localized from it.
func I18N(fallback string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			ctx := context.WithValue(r.Context(), LocaleKey, detectLocale(r, fallback, country))
			if country != "" {
				ctx = context.WithValue(ctx, CountryKey, country)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// detectLocale prefers explicit client choices over the country hint.
func detectLocale(r *http.Request, fallback, country string) string {
	if v := r.Header.Get("X-Locale"); v != "" {
		return normalizeLocale(v)
	}
	if v := parseAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	switch {
	case strings.EqualFold(country, "ID"):
		return "id"
	case country != "":
		return defaultLocale
	case fallback != "":
		return fallback
	}
	return defaultLocale
}

// parseAcceptLanguage honors q-values and returns "" when nothing parses.
func parseAcceptLanguage(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	_, idx, _ := matcher.Match(tags...)
	return baseName(supported[idx])
}

func normalizeLocale(locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil {
		return defaultLocale
	}
	if _, idx, conf := matcher.Match(tag); conf != language.No {
		return baseName(supported[idx])
	}
	return defaultLocale
}

func baseName(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return defaultLocale
}

func CountryFromContext(ctx context.Context) string {
	v, _ := ctx.Value(CountryKey).(string)
	return v
}

// ResolveCountry returns an upper-case ISO country code or "". Hints are tried
// in order: proxy headers, the region of a requested locale, an Indonesian
// locale, then the GeoIP lookup of the client address.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range countryHeaders {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			return strings.ToUpper(v)
		}
	}
	xLocale, accept := r.Header.Get("X-Locale"), r.Header.Get("Accept-Language")
	for _, h := range []string{xLocale, accept} {
		if region := localeRegion(h); region != "" {
			return region
		}
	}
	if normalizeLocale(xLocale) == "id" || parseAcceptLanguage(accept) == "id" {
		return "ID"
	}
	if lookup == nil {
		return ""
	}
	ip := ClientIP(r)
	if ip == "" {
		return ""
	}
	country, err := lookup(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(country)
}

// localeRegion extracts the region subtag of the first language range in a
// header value, e.g. "GB" from "en-GB,en;q=0.9".
func localeRegion(header string) string {
	for _, part := range strings.Split(header, ",") {
		token, _, _ := strings.Cut(part, ";")
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if idx := strings.IndexAny(token, "-_"); idx > 0 && idx < len(token)-1 {
			return strings.ToUpper(token[idx+1:])
		}
	}
	return ""
}
