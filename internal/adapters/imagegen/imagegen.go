// Package imagegen implements the C2 image generator adapter (spec §6):
// "generate(prompt) -> bytes", 16:9 editorial/abstract imagery with no
// text, logos, or faces. Primary/fallback fan-out lives in Strategy, one
// level up from the individual HTTP generator, per spec §7's "Multi-
// provider fan-out -> strategy with a typed result" redesign.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

// promptSuffix is appended to every caller-supplied prompt to steer every
// provider toward the same editorial constraints.
const promptSuffix = ", 16:9 aspect ratio, editorial abstract illustration style, no text, no logos, no human faces"

// Generator is one image-generation backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// HTTPGenerator calls a single REST image-generation endpoint that accepts
// a JSON {"prompt": "..."} body and returns either raw image bytes or a
// JSON envelope carrying a base64 image.
type HTTPGenerator struct {
	Name       string
	BaseURL    string
	APIKey     string
	httpClient *http.Client
	retry      *retry.Policy
}

// NewHTTPGenerator builds an HTTPGenerator named name (used only in error
// messages to tell primary and fallback apart in logs).
func NewHTTPGenerator(name, baseURL, apiKey string, policy *retry.Policy) *HTTPGenerator {
	return &HTTPGenerator{
		Name:       name,
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		retry:      policy,
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	var out []byte
	err := g.retry.Execute(ctx, func() error {
		body, err := json.Marshal(generateRequest{Prompt: prompt + promptSuffix})
		if err != nil {
			return errkind.InvalidInputf(g.Name, "encoding request: %v", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/generate", bytes.NewReader(body))
		if err != nil {
			return errkind.InvalidInputf(g.Name, "building request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.APIKey)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return errkind.Transientf(g.Name, "calling generator: %v", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.RateLimitedf(g.Name, "rate limited")
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errkind.Authf(g.Name, "auth failure")
		case resp.StatusCode >= 500:
			return errkind.Transientf(g.Name, "upstream error %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return errkind.InvalidInputf(g.Name, "request rejected %d", resp.StatusCode)
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errkind.Transientf(g.Name, "reading response: %v", err)
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType != "" && bytes.HasPrefix([]byte(contentType), []byte("image/")) {
			out = respBody
			return nil
		}

		var envelope struct {
			ImageBase64 string `json:"image_base64"`
		}
		if jsonErr := json.Unmarshal(respBody, &envelope); jsonErr == nil && envelope.ImageBase64 != "" {
			decoded, decodeErr := decodeBase64Image(envelope.ImageBase64)
			if decodeErr != nil {
				return errkind.New(errkind.Upstream, g.Name, decodeErr)
			}
			out = decoded
			return nil
		}

		out = respBody
		return nil
	})
	return out, err
}

func decodeBase64Image(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Strategy tries Primary first, falling through to Fallback on any
// non-auth failure (spec §6: "tries the primary generator, then the
// fallback on any non-auth failure").
type Strategy struct {
	Primary  Generator
	Fallback Generator
}

// Generate runs Primary, then Fallback on any non-auth failure. An auth
// failure means the primary's own credentials are rejected, which a
// different provider's credentials can't fix, so Generate returns it
// immediately instead of spending the fallback call.
func (s *Strategy) Generate(ctx context.Context, prompt string) ([]byte, string, error) {
	img, err := s.Primary.Generate(ctx, prompt)
	if err == nil {
		return img, "primary", nil
	}

	if errkind.KindOf(err) == errkind.Auth {
		return nil, "", err
	}

	if s.Fallback == nil {
		return nil, "", err
	}

	img, fallbackErr := s.Fallback.Generate(ctx, prompt)
	if fallbackErr != nil {
		return nil, "", fallbackErr
	}
	return img, "fallback", nil
}
