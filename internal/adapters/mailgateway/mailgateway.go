// Package mailgateway implements the C2 email-gateway adapter (spec §6):
// create a campaign, attach a transport, send it to a segment, and query
// delivery stats. Grounded on the teacher's generic http.go builtin
// executor (method/URL/JSON-body/status>=400 error shape), specialized
// into the four named gateway operations the pipeline actually needs.
package mailgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

// CampaignRequest describes the campaign-creation payload (spec §6:
// "{name, subject, html, from_address, from_name, reply_to}").
type CampaignRequest struct {
	Name        string `json:"name"`
	Subject     string `json:"subject"`
	HTML        string `json:"html"`
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`
	ReplyTo     string `json:"reply_to"`
}

// Campaign is the gateway's created-campaign handle.
type Campaign struct {
	ID string `json:"id"`
}

// SendResult carries the gateway's immediate send acknowledgement.
type SendResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// Stats is the gateway's delivery-stats response for one campaign.
type Stats struct {
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Opened    int `json:"opened"`
	Bounced   int `json:"bounced"`
}

// Gateway is the email-gateway contract.
type Gateway interface {
	CreateCampaign(ctx context.Context, req CampaignRequest) (Campaign, error)
	AttachTransport(ctx context.Context, campaignID, transportID string) error
	Send(ctx context.Context, campaignID, segment string) (SendResult, error)
	Stats(ctx context.Context, campaignID string) (Stats, error)
}

// HTTPGateway talks to a REST email-gateway API.
type HTTPGateway struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
	retry      *retry.Policy
}

// New builds an HTTPGateway.
func New(baseURL, apiKey string, policy *retry.Policy) *HTTPGateway {
	return &HTTPGateway{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      policy,
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	return g.retry.Execute(ctx, func() error {
		var reader *bytes.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return errkind.InvalidInputf("mailgateway", "encoding request: %v", err)
			}
			reader = bytes.NewReader(encoded)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
		if err != nil {
			return errkind.InvalidInputf("mailgateway", "building request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+g.APIKey)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return errkind.Transientf("mailgateway", "calling %s: %v", path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.RateLimitedf("mailgateway", "rate limited on %s", path)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errkind.Authf("mailgateway", "auth failure on %s", path)
		case resp.StatusCode >= 500:
			return errkind.Transientf("mailgateway", "upstream error %d on %s", resp.StatusCode, path)
		case resp.StatusCode >= 400:
			return errkind.InvalidInputf("mailgateway", "request rejected %d on %s", resp.StatusCode, path)
		}

		if out == nil {
			return nil
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
			return errkind.New(errkind.Upstream, "mailgateway", fmt.Errorf("decoding %s response: %w", path, decodeErr))
		}
		return nil
	})
}

// CreateCampaign creates a new campaign from the compiled HTML and
// subject line.
func (g *HTTPGateway) CreateCampaign(ctx context.Context, req CampaignRequest) (Campaign, error) {
	var out Campaign
	err := g.do(ctx, http.MethodPost, "/campaigns", req, &out)
	return out, err
}

// AttachTransport associates a delivery transport with a campaign.
func (g *HTTPGateway) AttachTransport(ctx context.Context, campaignID, transportID string) error {
	body := map[string]string{"transport_id": transportID}
	return g.do(ctx, http.MethodPost, fmt.Sprintf("/campaigns/%s/transport", campaignID), body, nil)
}

// Send dispatches campaignID to the named recipient segment.
func (g *HTTPGateway) Send(ctx context.Context, campaignID, segment string) (SendResult, error) {
	body := map[string]string{"segment": segment}
	var out SendResult
	err := g.do(ctx, http.MethodPost, fmt.Sprintf("/campaigns/%s/send", campaignID), body, &out)
	return out, err
}

// Stats queries delivery statistics for a sent campaign.
func (g *HTTPGateway) Stats(ctx context.Context, campaignID string) (Stats, error) {
	var out Stats
	err := g.do(ctx, http.MethodGet, fmt.Sprintf("/campaigns/%s/stats", campaignID), nil, &out)
	return out, err
}
