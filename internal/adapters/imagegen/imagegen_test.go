package imagegen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

func TestHTTPGenerator_Generate_RawImageBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("fake-png-bytes"))
	}))
	defer srv.Close()

	g := NewHTTPGenerator("primary", srv.URL, "key", retry.NoRetry())
	img, err := g.Generate(context.Background(), "a robot reading news")
	require.NoError(t, err)
	assert.Equal(t, []byte("fake-png-bytes"), img)
}

func TestHTTPGenerator_Generate_Base64Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image_base64":"aGVsbG8="}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator("primary", srv.URL, "key", retry.NoRetry())
	img, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), img)
}

type fakeGenerator struct {
	img []byte
	err error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	return f.img, f.err
}

func TestStrategy_FallsBackOnPrimaryFailure(t *testing.T) {
	s := &Strategy{
		Primary:  &fakeGenerator{err: assertErr},
		Fallback: &fakeGenerator{img: []byte("fallback-image")},
	}

	img, source, err := s.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "fallback", source)
	assert.Equal(t, []byte("fallback-image"), img)
}

func TestStrategy_UsesPrimaryWhenHealthy(t *testing.T) {
	s := &Strategy{
		Primary:  &fakeGenerator{img: []byte("primary-image")},
		Fallback: &fakeGenerator{img: []byte("fallback-image")},
	}

	img, source, err := s.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "primary", source)
	assert.Equal(t, []byte("primary-image"), img)
}

func TestStrategy_SkipsFallbackOnAuthFailure(t *testing.T) {
	fallback := &fakeGenerator{img: []byte("fallback-image")}
	s := &Strategy{
		Primary:  &fakeGenerator{err: errkind.Authf("primary", "bad api key")},
		Fallback: fallback,
	}

	_, _, err := s.Generate(context.Background(), "prompt")
	require.Error(t, err)
	assert.Equal(t, errkind.Auth, errkind.KindOf(err))
}

var assertErr = &testError{}

type testError struct{}

func (e *testError) Error() string { return "primary failed" }
