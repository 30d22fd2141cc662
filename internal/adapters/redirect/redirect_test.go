package redirect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_FollowsSingleRedirect(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", target.URL+"/article")
		w.WriteHeader(http.StatusFound)
	}))
	defer aggregator.Close()

	r := New()
	res, err := r.Resolve(context.Background(), aggregator.URL)
	require.NoError(t, err)
	assert.Equal(t, "resolved", res.Status)
	assert.Equal(t, target.URL+"/article", res.DecodedURL)
}

func TestResolve_UnchangedWhenNoRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New()
	res, err := r.Resolve(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", res.Status)
}

func TestResolveBatch_ResolvesAllURLsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New()
	urls := []string{srv.URL + "/a", srv.URL + "/b", srv.URL + "/c"}
	results := r.ResolveBatch(context.Background(), urls)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.Equal(t, urls[i], res.URL)
		assert.Equal(t, "unchanged", res.Status)
	}
}
