package imagecdn

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/application/retry"
)

func TestHTTPClient_Upload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"https://cdn.example.com/upload/v1/story123.jpg"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", retry.NoRetry())
	url, err := c.Upload(context.Background(), "newsletter-story", []byte("fake-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/upload/v1/story123.jpg", url)
}

func TestOptimizedURL_InsertsTransformSegment(t *testing.T) {
	c := New("https://cdn.example.com", "key", retry.NoRetry())
	got := c.OptimizedURL("https://cdn.example.com/upload/v1/story123.jpg")
	assert.Equal(t, "https://cdn.example.com/upload/c_scale,w_636,q_auto:eco,f_webp/v1/story123.jpg", got)
}

func TestOptimizedURL_FallsBackToQueryParamWhenNoUploadMarker(t *testing.T) {
	c := New("https://cdn.example.com", "key", retry.NoRetry())
	got := c.OptimizedURL("https://cdn.example.com/assets/story123.jpg")
	assert.Contains(t, got, "c_scale,w_636,q_auto:eco,f_webp")
}

func TestLocalResize_ProducesTargetWidth(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 1200, 675))
	for y := 0; y < 675; y++ {
		for x := 0; x < 1200; x++ {
			src.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, nil))

	c := New("https://cdn.example.com", "key", retry.NoRetry())
	resized, err := c.LocalResize(buf.Bytes())
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(resized))
	require.NoError(t, err)
	assert.Equal(t, targetWidth, decoded.Bounds().Dx())
}
