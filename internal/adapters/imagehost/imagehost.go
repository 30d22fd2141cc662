// Package imagehost implements the C2 image-host adapter (spec §6):
// multipart upload under a unique ID derived from story_id + timestamp,
// retrying with finer-grained timestamp precision on a conflict response,
// and returning the first variant URL.
package imagehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
)

// maxConflictRetries bounds how many times Upload escalates timestamp
// precision before giving up (spec §6: "on conflict retry with
// millisecond precision").
const maxConflictRetries = 3

// Host is the image-host contract.
type Host interface {
	Upload(ctx context.Context, storyID string, img []byte) (string, error)
}

// HTTPHost uploads to a multipart-form image-hosting endpoint.
type HTTPHost struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// New builds an HTTPHost.
func New(baseURL, apiKey string) *HTTPHost {
	return &HTTPHost{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type uploadResponse struct {
	Variants []string `json:"variants"`
	Conflict bool     `json:"conflict"`
}

// Upload posts img under an ID built from storyID and the current time,
// escalating timestamp precision on a conflict response, and returns the
// first variant URL the host reports.
func (h *HTTPHost) Upload(ctx context.Context, storyID string, img []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		id := uniqueID(storyID, attempt)
		url, conflict, err := h.tryUpload(ctx, id, img)
		if err != nil {
			return "", err
		}
		if !conflict {
			return url, nil
		}
		lastErr = fmt.Errorf("imagehost: id %q conflicted", id)
	}
	return "", errkind.New(errkind.Upstream, "imagehost", fmt.Errorf("exhausted conflict retries: %w", lastErr))
}

// uniqueID combines storyID with a timestamp: Unix seconds on the first
// try, Unix milliseconds on every retry.
func uniqueID(storyID string, attempt int) string {
	if attempt == 0 {
		return storyID + "-" + strconv.FormatInt(time.Now().Unix(), 10)
	}
	return storyID + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
}

func (h *HTTPHost) tryUpload(ctx context.Context, id string, img []byte) (string, bool, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("id", id); err != nil {
		return "", false, errkind.InvalidInputf("imagehost", "writing id field: %v", err)
	}
	part, err := writer.CreateFormFile("file", id+".jpg")
	if err != nil {
		return "", false, errkind.InvalidInputf("imagehost", "creating form file: %v", err)
	}
	if _, err := part.Write(img); err != nil {
		return "", false, errkind.InvalidInputf("imagehost", "writing image bytes: %v", err)
	}
	if err := writer.Close(); err != nil {
		return "", false, errkind.InvalidInputf("imagehost", "closing multipart writer: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/upload", &buf)
	if err != nil {
		return "", false, errkind.InvalidInputf("imagehost", "building request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+h.APIKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", false, errkind.Transientf("imagehost", "uploading: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		io.Copy(io.Discard, resp.Body)
		return "", true, nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", false, errkind.RateLimitedf("imagehost", "rate limited")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", false, errkind.Authf("imagehost", "auth failure")
	case resp.StatusCode >= 500:
		return "", false, errkind.Transientf("imagehost", "upstream error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", false, errkind.InvalidInputf("imagehost", "upload rejected %d", resp.StatusCode)
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, errkind.New(errkind.Upstream, "imagehost", fmt.Errorf("decoding upload response: %w", err))
	}
	if parsed.Conflict {
		return "", true, nil
	}
	if len(parsed.Variants) == 0 {
		return "", false, errkind.New(errkind.Upstream, "imagehost", fmt.Errorf("no variants in upload response"))
	}
	return parsed.Variants[0], false, nil
}
