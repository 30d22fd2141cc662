// Package llm implements the C2 classifier and reasoning LLM adapters
// (spec §6) behind one shared Provider interface, generalizing the
// teacher's multi-provider LLMExecutor/LLMProvider pattern
// (pkg/executor/builtin/llm.go) from a workflow-node executor into two
// narrow, purpose-built clients.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/itchyny/gojq"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/application/retry"
)

// CompletionRequest is a single chat-style LLM call.
type CompletionRequest struct {
	Model           string
	SystemPrompt    string
	UserMessage     string
	Temperature     float64
	MaxOutputTokens int
}

// CompletionResponse carries the model's raw text output.
type CompletionResponse struct {
	Text string
}

// Provider is any chat-completion-style backend. Concrete providers (the
// fast classifier model, the slower reasoning model) are both just
// differently-configured instances of OpenAICompatibleProvider.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// OpenAICompatibleProvider talks to any OpenAI-compatible chat completion
// endpoint (the shape shared by most hosted text LLMs).
type OpenAICompatibleProvider struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
	retry      *retry.Policy
}

// NewProvider builds an OpenAICompatibleProvider. baseURL defaults to
// "https://api.openai.com/v1" when empty.
func NewProvider(baseURL, apiKey string, policy *retry.Policy) *OpenAICompatibleProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAICompatibleProvider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		retry:      policy,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete issues one chat completion call, retried per the adapter's
// backoff policy and classified into the errkind taxonomy by status code.
func (p *OpenAICompatibleProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	var out CompletionResponse
	err := p.retry.Execute(ctx, func() error {
		body, err := json.Marshal(chatRequest{
			Model: req.Model,
			Messages: []chatMessage{
				{Role: "system", Content: req.SystemPrompt},
				{Role: "user", Content: req.UserMessage},
			},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxOutputTokens,
		})
		if err != nil {
			return errkind.InvalidInputf("llm", "encoding request: %v", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return errkind.InvalidInputf("llm", "building request: %v", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)

		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return errkind.Transientf("llm", "calling %s: %v", req.Model, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return errkind.RateLimitedf("llm", "rate limited calling %s", req.Model)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return errkind.Authf("llm", "auth failure calling %s", req.Model)
		case resp.StatusCode >= 500:
			return errkind.Transientf("llm", "upstream error %d calling %s", resp.StatusCode, req.Model)
		case resp.StatusCode >= 400:
			return errkind.InvalidInputf("llm", "request rejected %d calling %s", resp.StatusCode, req.Model)
		}

		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return errkind.New(errkind.Upstream, "llm", fmt.Errorf("decoding response: %w", err))
		}
		if len(parsed.Choices) == 0 {
			return errkind.New(errkind.Upstream, "llm", fmt.Errorf("no choices in response"))
		}
		out = CompletionResponse{Text: parsed.Choices[0].Message.Content}
		return nil
	})
	return out, err
}

// Candidate is one article offered to the classifier for a slot.
type Candidate struct {
	StoryID  string `json:"story_id"`
	Headline string `json:"headline"`
}

// Match is one classifier-approved candidate.
type Match struct {
	StoryID  string `json:"story_id"`
	Headline string `json:"headline"`
}

// classifierMaxChunk bounds a single classifier call (spec §6: "max chunk
// size 100 candidates").
const classifierMaxChunk = 100

// classifierMaxOutputTokens is the output cap for the faster classifier
// model (spec §6: "8192 for the slower model" implies a smaller default
// for the fast one; 4096 matches the classifier's narrower output shape).
const classifierMaxOutputTokens = 4096

// ClassifierClient runs the slot-eligibility classifier LLM (C6).
type ClassifierClient struct {
	Provider Provider
	Model    string
}

// Classify chunks candidates into groups of at most 100 and asks the
// classifier, per chunk, which ones match systemPrompt's criteria.
func (c *ClassifierClient) Classify(ctx context.Context, systemPrompt string, candidates []Candidate) ([]Match, error) {
	var matches []Match
	for start := 0; start < len(candidates); start += classifierMaxChunk {
		end := start + classifierMaxChunk
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := candidates[start:end]

		body, err := json.Marshal(chunk)
		if err != nil {
			return nil, errkind.InvalidInputf("llm-classifier", "encoding candidates: %v", err)
		}

		resp, err := c.Provider.Complete(ctx, CompletionRequest{
			Model:           c.Model,
			SystemPrompt:    systemPrompt,
			UserMessage:     string(body),
			Temperature:     0.2,
			MaxOutputTokens: classifierMaxOutputTokens,
		})
		if err != nil {
			return matches, err
		}

		chunkMatches, err := extractMatches(resp.Text)
		if err != nil {
			return matches, errkind.New(errkind.Upstream, "llm-classifier", err)
		}
		matches = append(matches, chunkMatches...)
	}
	return matches, nil
}

type matchesEnvelope struct {
	Matches []Match `json:"matches"`
}

// extractMatches first tries a strict decode of `{"matches":[...]}`. If
// the model wrapped the JSON in prose or changed key casing, it falls
// back to a tolerant gojq extraction over the raw text's first JSON
// object, per spec §7's "upstream contract violation -> tolerant
// fallback" policy.
func extractMatches(text string) ([]Match, error) {
	var env matchesEnvelope
	if err := json.Unmarshal([]byte(text), &env); err == nil {
		return env.Matches, nil
	}

	raw, err := extractFirstJSONObject(text)
	if err != nil {
		return nil, err
	}

	query, err := gojq.Parse(".matches // []")
	if err != nil {
		return nil, fmt.Errorf("compiling fallback query: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("preparing fallback query: %w", err)
	}

	iter := code.Run(raw)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("no matches field found in classifier output")
	}
	if errv, isErr := v.(error); isErr {
		return nil, fmt.Errorf("running fallback query: %w", errv)
	}

	reencoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("re-encoding fallback matches: %w", err)
	}
	var matches []Match
	if err := json.Unmarshal(reencoded, &matches); err != nil {
		return nil, fmt.Errorf("decoding fallback matches: %w", err)
	}
	return matches, nil
}

func extractFirstJSONObject(text string) (interface{}, error) {
	start := -1
	depth := 0
	for i, r := range text {
		switch r {
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start != -1 {
				var v interface{}
				if err := json.Unmarshal([]byte(text[start:i+1]), &v); err != nil {
					return nil, fmt.Errorf("parsing embedded JSON object: %w", err)
				}
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("no JSON object found in text")
}

// ReasoningClient runs the slower, structured-output reasoning model used
// for per-slot selection, subject-line generation, and decoration (spec
// §6).
type ReasoningClient struct {
	Provider    Provider
	Model       string
	Temperature float64
}

// reasoningMaxOutputTokens bounds the slower reasoning model (spec §6:
// 8192).
const reasoningMaxOutputTokens = 8192

// Complete issues a free-form reasoning call (e.g. subject-line
// generation), returning the raw text.
func (r *ReasoningClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	temp := r.Temperature
	if temp == 0 {
		temp = 0.4
	}
	resp, err := r.Provider.Complete(ctx, CompletionRequest{
		Model:           r.Model,
		SystemPrompt:    systemPrompt,
		UserMessage:     userMessage,
		Temperature:     temp,
		MaxOutputTokens: reasoningMaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// CompleteJSON issues a reasoning call expected to return a single JSON
// object and decodes it into target. When the model wraps the JSON in
// prose, it falls back to decoding the text's first JSON object (found by
// extractFirstJSONObject); no gojq query is applied here.
func (r *ReasoningClient) CompleteJSON(ctx context.Context, systemPrompt, userMessage string, target interface{}) error {
	text, err := r.Complete(ctx, systemPrompt, userMessage)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), target); err == nil {
		return nil
	}

	raw, err := extractFirstJSONObject(text)
	if err != nil {
		return errkind.New(errkind.Upstream, "llm-reasoning", err)
	}
	reencoded, err := json.Marshal(raw)
	if err != nil {
		return errkind.New(errkind.Upstream, "llm-reasoning", err)
	}
	if err := json.Unmarshal(reencoded, target); err != nil {
		return errkind.New(errkind.Upstream, "llm-reasoning", err)
	}
	return nil
}
