package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_LowercasesHostAndStripsWWW(t *testing.T) {
	got, err := Canonicalize("https://WWW.Example.COM/Article")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Article", got)
}

func TestCanonicalize_StripsTrackingParamsAndFragment(t *testing.T) {
	got, err := Canonicalize("https://example.com/a?utm_source=x&id=5#section2")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?id=5", got)
}

func TestCanonicalize_IsIdempotent(t *testing.T) {
	first, err := Canonicalize("https://WWW.Example.com/a/?utm_campaign=y&z=1")
	require.NoError(t, err)
	second, err := Canonicalize(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCanonicalize_RejectsURLWithoutHost(t *testing.T) {
	_, err := Canonicalize("not-a-url")
	require.Error(t, err)
}

func TestFingerprint_EmptyInputYieldsEmptyFingerprint(t *testing.T) {
	assert.Empty(t, Fingerprint(""))
}

func TestFingerprint_IsDeterministic(t *testing.T) {
	a := Fingerprint("https://example.com/a")
	b := Fingerprint("https://example.com/a")
	assert.Equal(t, a, b)
}

func TestFingerprint_DiffersForDifferentURLs(t *testing.T) {
	a := Fingerprint("https://example.com/a")
	b := Fingerprint("https://example.com/b")
	assert.NotEqual(t, a, b)
}

func TestFingerprintURL_InvalidURLYieldsEmpty(t *testing.T) {
	assert.Empty(t, FingerprintURL("not-a-url"))
}

func TestSourceFromURL_ExactMatch(t *testing.T) {
	names := map[string]string{"reuters.com": "Reuters"}
	assert.Equal(t, "Reuters", SourceFromURL("https://www.reuters.com/world", names))
}

func TestSourceFromURL_RegistrableDomainFallback(t *testing.T) {
	names := map[string]string{"yahoo.com": "Yahoo Finance"}
	assert.Equal(t, "Yahoo Finance", SourceFromURL("https://news.yahoo.com/x", names))
}

func TestSourceFromURL_CapitalizedGuessFallback(t *testing.T) {
	names := map[string]string{}
	assert.Equal(t, "Unknownsite", SourceFromURL("https://unknownsite.io/a", names))
}

func TestIsBlockedDomain(t *testing.T) {
	blocked := []string{"yahoo.com", "finance.yahoo.com"}
	assert.True(t, IsBlockedDomain("https://finance.yahoo.com/news/1", blocked))
	assert.True(t, IsBlockedDomain("https://www.yahoo.com/x", blocked))
	assert.False(t, IsBlockedDomain("https://reuters.com/x", blocked))
}

func TestIsAggregatorURL(t *testing.T) {
	assert.True(t, IsAggregatorURL("https://news.google.com/rss/articles/xyz", "news.google.com"))
	assert.False(t, IsAggregatorURL("https://reuters.com/x", "news.google.com"))
}
