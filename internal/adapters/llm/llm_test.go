package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/application/retry"
)

func newTestServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: content}}}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAICompatibleProvider_Complete(t *testing.T) {
	srv := newTestServer(t, "hello there")
	defer srv.Close()

	p := NewProvider(srv.URL, "test-key", retry.NoRetry())
	resp, err := p.Complete(context.Background(), CompletionRequest{Model: "test-model", SystemPrompt: "sys", UserMessage: "user"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Text)
}

func TestOpenAICompatibleProvider_RetriesOn500(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := chatResponse{Choices: []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: "ok"}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "key", &retry.Policy{MaxAttempts: 3, InitialDelay: 0, RateLimitedInitialDelay: 0, MaxDelay: 0})
	resp, err := p.Complete(context.Background(), CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 2, calls)
}

type fakeProvider struct {
	text string
	err  error
}

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if f.err != nil {
		return CompletionResponse{}, f.err
	}
	return CompletionResponse{Text: f.text}, nil
}

func TestClassifierClient_Classify_StrictDecode(t *testing.T) {
	fp := &fakeProvider{text: `{"matches":[{"story_id":"s1","headline":"h1"}]}`}
	c := &ClassifierClient{Provider: fp, Model: "classifier"}

	matches, err := c.Classify(context.Background(), "find AI stories", []Candidate{{StoryID: "s1", Headline: "h1"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s1", matches[0].StoryID)
}

func TestClassifierClient_Classify_TolerantFallback(t *testing.T) {
	fp := &fakeProvider{text: "Sure, here are the matches:\n```json\n{\"matches\": [{\"story_id\": \"s2\", \"headline\": \"h2\"}]}\n```\nLet me know if you need anything else."}
	c := &ClassifierClient{Provider: fp, Model: "classifier"}

	matches, err := c.Classify(context.Background(), "find AI stories", []Candidate{{StoryID: "s2", Headline: "h2"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "s2", matches[0].StoryID)
}

func TestClassifierClient_Classify_ChunksAtMax100(t *testing.T) {
	calls := 0
	fp := &chunkCountingProvider{onCall: func() { calls++ }}
	c := &ClassifierClient{Provider: fp, Model: "classifier"}

	candidates := make([]Candidate, 150)
	for i := range candidates {
		candidates[i] = Candidate{StoryID: "s", Headline: "h"}
	}

	_, err := c.Classify(context.Background(), "sys", candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type chunkCountingProvider struct {
	onCall func()
}

func (c *chunkCountingProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	c.onCall()
	return CompletionResponse{Text: `{"matches":[]}`}, nil
}

func TestReasoningClient_CompleteJSON_TolerantFallback(t *testing.T) {
	fp := &fakeProvider{text: "Here is the decoration record: {\"headline\": \"x\", \"score\": 5} thanks"}
	r := &ReasoningClient{Provider: fp, Model: "reasoning"}

	var out struct {
		Headline string `json:"headline"`
		Score    int    `json:"score"`
	}
	err := r.CompleteJSON(context.Background(), "sys", "user", &out)
	require.NoError(t, err)
	assert.Equal(t, "x", out.Headline)
	assert.Equal(t, 5, out.Score)
}
