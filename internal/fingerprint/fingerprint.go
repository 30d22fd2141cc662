// Package fingerprint implements C1: canonical URL normalization, stable
// article fingerprinting, and source-name resolution from a registrable
// domain. Every operation here is a pure function of its input — no I/O,
// no external calls.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// trackingParamPrefixes are stripped from the query string during
// canonicalization. Anything starting with one of these is tracking noise,
// never part of a page's identity.
var trackingParamPrefixes = []string{"utm_", "fbclid", "gclid", "mc_cid", "mc_eid", "ref", "ref_src", "igshid", "ocid", "_hsenc", "_hsmi"}

// Canonicalize lowercases the host, strips a leading "www.", drops tracking
// query parameters, and strips any fragment. It is idempotent:
// Canonicalize(Canonicalize(u)) == Canonicalize(u).
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", &InvalidURLError{URL: rawURL}
	}

	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimPrefix(u.Host, "www.")
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if isTrackingParam(key) {
				q.Del(key)
			}
		}
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			for j, v := range q[k] {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}

	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String(), nil
}

func isTrackingParam(key string) bool {
	lower := strings.ToLower(key)
	for _, prefix := range trackingParamPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// InvalidURLError indicates a URL could not be canonicalized (no host).
type InvalidURLError struct{ URL string }

func (e *InvalidURLError) Error() string { return "fingerprint: invalid url: " + e.URL }

// Fingerprint returns a stable, deterministic hash of the already-canonical
// URL. Collisions are treated as duplicates by design (I1). Returns an
// empty string for an empty input, which callers must treat as ingest
// failure (I2) rather than retry it.
func Fingerprint(canonicalURL string) string {
	if canonicalURL == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(canonicalURL))
	return hex.EncodeToString(sum[:])
}

// FingerprintURL canonicalizes then fingerprints in one step, returning an
// empty fingerprint if canonicalization fails.
func FingerprintURL(rawURL string) string {
	canon, err := Canonicalize(rawURL)
	if err != nil {
		return ""
	}
	return Fingerprint(canon)
}

// registrableDomain returns the last two labels of a lowercased, www-free
// host, e.g. "news.yahoo.com" -> "yahoo.com".
func registrableDomain(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

// SourceFromURL resolves a display source name for rawURL by exact-matching
// its host against names, then falling back to its registrable domain, then
// to a capitalized guess from the domain's main label. Returns "" if rawURL
// has no host.
func SourceFromURL(rawURL string, names map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	domain := strings.ToLower(strings.TrimPrefix(u.Host, "www."))

	if name, ok := names[domain]; ok {
		return name
	}

	root := registrableDomain(domain)
	if name, ok := names[root]; ok {
		return name
	}

	parts := strings.Split(domain, ".")
	if len(parts) >= 2 {
		main := parts[len(parts)-2]
		if main == "" {
			return ""
		}
		return strings.ToUpper(main[:1]) + main[1:]
	}
	return ""
}

// IsBlockedDomain reports whether rawURL's host matches, or is a subdomain
// of, any domain in blocked.
func IsBlockedDomain(rawURL string, blocked []string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	domain := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	for _, b := range blocked {
		b = strings.ToLower(b)
		if domain == b || strings.HasSuffix(domain, "."+b) {
			return true
		}
	}
	return false
}

// IsAggregatorURL reports whether rawURL points at the configured
// aggregator host (default news.google.com), meaning it still needs
// redirect resolution before it can be treated as a canonical article URL.
func IsAggregatorURL(rawURL, aggregatorHost string) bool {
	if aggregatorHost == "" || rawURL == "" {
		return false
	}
	return strings.Contains(rawURL, aggregatorHost)
}
