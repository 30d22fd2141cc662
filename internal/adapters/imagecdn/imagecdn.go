// Package imagecdn implements the C2 image-CDN adapter (spec §6): upload
// with a named preset, then derive an optimized delivery URL by rewriting
// in a `c_scale,w_636,q_auto:eco,f_webp` transformation segment. When the
// CDN itself is unreachable, LocalResize offers a local resize (stdlib
// image decoding plus golang.org/x/image/draw scaling) so the decorator's
// image sweep can still produce something to upload.
package imagecdn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

// targetWidth is the preset width every optimized delivery URL is
// rewritten to (spec §6: "target width 636 px").
const targetWidth = 636

// Client is the image-CDN contract.
type Client interface {
	Upload(ctx context.Context, preset string, img []byte) (string, error)
	OptimizedURL(rawURL string) string
	LocalResize(img []byte) ([]byte, error)
}

// HTTPClient uploads to a real CDN endpoint and rewrites its returned URL
// into the spec's fixed transformation segment.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
	retry      *retry.Policy
}

// New builds an HTTPClient.
func New(baseURL, apiKey string, policy *retry.Policy) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      policy,
	}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload sends img under the named preset and returns the CDN's raw
// delivery URL (not yet carrying the w_636/webp transformation).
func (c *HTTPClient) Upload(ctx context.Context, preset string, img []byte) (string, error) {
	var out string
	err := c.retry.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/upload?preset="+preset, bytes.NewReader(img))
		if err != nil {
			return errkind.InvalidInputf("imagecdn", "building upload request: %v", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Authorization", "Bearer "+c.APIKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errkind.Transientf("imagecdn", "uploading: %v", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.RateLimitedf("imagecdn", "rate limited")
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errkind.Authf("imagecdn", "auth failure")
		case resp.StatusCode >= 500:
			return errkind.Transientf("imagecdn", "upstream error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return errkind.InvalidInputf("imagecdn", "upload rejected %d", resp.StatusCode)
		}

		var parsed uploadResponse
		if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
			return errkind.New(errkind.Upstream, "imagecdn", fmt.Errorf("decoding upload response: %w", decodeErr))
		}
		out = parsed.URL
		return nil
	})
	return out, err
}

// OptimizedURL rewrites rawURL to include the fixed transformation
// segment by inserting it as the path component immediately after the
// URL's "/upload/" segment, matching the common "insert a transform
// segment before the asset path" convention. A URL without "/upload/"
// gets the segment appended as a "?tx=" query parameter instead.
func (c *HTTPClient) OptimizedURL(rawURL string) string {
	transform := fmt.Sprintf("c_scale,w_%d,q_auto:eco,f_webp", targetWidth)
	const marker = "/upload/"
	if idx := strings.Index(rawURL, marker); idx != -1 {
		insertAt := idx + len(marker)
		return rawURL[:insertAt] + transform + "/" + rawURL[insertAt:]
	}
	return rawURL + "?tx=" + transform
}

// LocalResize decodes img (JPEG or PNG) and resizes it to targetWidth
// using stdlib image + golang.org/x/image/draw, for use only when the
// CDN itself could not be reached (spec §6: "local resize fallback if
// the CDN is unreachable").
func (c *HTTPClient) LocalResize(img []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, errkind.New(errkind.InvalidInput, "imagecdn", fmt.Errorf("decoding source image: %w", err))
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW == 0 {
		return nil, errkind.InvalidInputf("imagecdn", "source image has zero width")
	}

	dstH := int(float64(srcH) * (float64(targetWidth) / float64(srcW)))
	dst := image.NewRGBA(image.Rect(0, 0, targetWidth, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, errkind.New(errkind.Transient, "imagecdn", fmt.Errorf("encoding resized image: %w", err))
	}
	return buf.Bytes(), nil
}
