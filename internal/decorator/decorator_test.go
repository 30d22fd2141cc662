package decorator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

type fakeIssueStore struct {
	rows    []models.IssueModel
	updates map[string]map[string]interface{}
}

func (f *fakeIssueStore) Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error) {
	var out []models.IssueModel
	for _, r := range f.rows {
		if r.Status == models.IssueStatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeIssueStore) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	if f.updates == nil {
		f.updates = map[string]map[string]interface{}{}
	}
	f.updates[id] = patch
	return nil
}

type fakeSelectStore struct {
	byFingerprint map[string]models.SelectModel
}

func (f *fakeSelectStore) Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.SelectModel, error) {
	var out []models.SelectModel
	for _, sel := range f.byFingerprint {
		out = append(out, sel)
	}
	return out, nil
}

type fakeStoryStore struct {
	rows []models.IssueStoryModel
}

func (f *fakeStoryStore) Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueStoryModel, error) {
	return f.rows, nil
}

func (f *fakeStoryStore) Upsert(ctx context.Context, matchField string, row *models.IssueStoryModel) error {
	for i, r := range f.rows {
		if r.StoryID == row.StoryID {
			f.rows[i] = *row
			return nil
		}
	}
	f.rows = append(f.rows, *row)
	return nil
}

func (f *fakeStoryStore) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	for i := range f.rows {
		if f.rows[i].ID == id {
			if v, ok := patch["image_url"].(string); ok {
				f.rows[i].ImageURL = v
			}
			if v, ok := patch["image_source"].(string); ok {
				f.rows[i].ImageSource = v
			}
			if v, ok := patch["image_status"].(string); ok {
				f.rows[i].ImageStatus = v
			}
		}
	}
	return nil
}

type fakeCleaner struct {
	out string
	err error
}

func (f *fakeCleaner) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return userMessage, nil
}

type fakeReasoner struct {
	responses []string
	calls     int
}

func (f *fakeReasoner) CompleteJSON(ctx context.Context, systemPrompt, userMessage string, target interface{}) error {
	resp := "{}"
	if f.calls < len(f.responses) {
		resp = f.responses[f.calls]
	}
	f.calls++
	return json.Unmarshal([]byte(resp), target)
}

func issueWithSlotRefs(variant string, refs map[string]string) models.IssueModel {
	slotRefs := models.JSONBMap{}
	for k, v := range refs {
		slotRefs.Set(k, v)
	}
	return models.IssueModel{
		ID:        "issue-1",
		IssueID:   "pivot5-2026-08-03",
		Variant:   variant,
		Status:    models.IssueStatusPending,
		SlotRefs:  slotRefs,
	}
}

func TestStage_DecoratesPivot5Slots(t *testing.T) {
	issue := issueWithSlotRefs("pivot5", map[string]string{
		"slot_1_fingerprint": "fp1",
		"slot_1_headline":    "Story One",
		"slot_1_source":      "Reuters",
	})
	issues := &fakeIssueStore{rows: []models.IssueModel{issue}}
	selects := &fakeSelectStore{byFingerprint: map[string]models.SelectModel{
		"fp1": {Fingerprint: "fp1", CleanedBody: "clean body text"},
	}}
	stories := &fakeStoryStore{}
	cleaner := &fakeCleaner{out: "cleaned content"}
	reasoner := &fakeReasoner{responses: []string{
		`{"headline":"Better Headline","dek":"a dek","b1":"bullet one","b2":"bullet two","b3":"bullet three","label":"ENTERPRISE","image_prompt":"a robot"}`,
		`{"b1":"<b>bullet</b> one","b2":"bullet two","b3":"bullet three"}`,
	}}

	stage := &Stage{Issues: issues, Selects: selects, Stories: stories, Cleaner: cleaner, Reasoner: reasoner, BrandName: "Pivot 5"}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["stories_decorated"])
	require.Len(t, stories.rows, 1)
	story := stories.rows[0]
	assert.Equal(t, "Better Headline", story.Headline)
	assert.Equal(t, "<b>bullet</b> one", story.Bullets[0])
	assert.Equal(t, models.ImageStatusNeedsImage, story.ImageStatus)
	assert.Equal(t, models.IssueStatusDecorated, issues.updates["issue-1"]["status"])
}

func TestStage_SignalQuickHitDecoration(t *testing.T) {
	issue := issueWithSlotRefs("signal", map[string]string{
		"signal_1_fingerprint": "q1",
		"signal_1_headline":    "Quick One",
	})
	issues := &fakeIssueStore{rows: []models.IssueModel{issue}}
	selects := &fakeSelectStore{byFingerprint: map[string]models.SelectModel{
		"q1": {Fingerprint: "q1", RawBody: "raw body"},
	}}
	stories := &fakeStoryStore{}
	cleaner := &fakeCleaner{out: "cleaned"}
	reasoner := &fakeReasoner{responses: []string{
		`{"headline":"Quick One","signal_blurb":"A short one-sentence summary."}`,
	}}

	stage := &Stage{Issues: issues, Selects: selects, Stories: stories, Cleaner: cleaner, Reasoner: reasoner}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["stories_decorated"])
	require.Len(t, stories.rows, 1)
	assert.Equal(t, "A short one-sentence summary.", stories.rows[0].SignalBlurb)
	assert.Equal(t, "signal", stories.rows[0].Section)
}

func TestStage_ContentCleanerFailureFallsBackToTruncatedRawBody(t *testing.T) {
	issue := issueWithSlotRefs("pivot5", map[string]string{
		"slot_1_fingerprint": "fp1",
		"slot_1_headline":    "Story One",
	})
	issues := &fakeIssueStore{rows: []models.IssueModel{issue}}
	selects := &fakeSelectStore{byFingerprint: map[string]models.SelectModel{
		"fp1": {Fingerprint: "fp1", RawBody: "raw body content"},
	}}
	stories := &fakeStoryStore{}
	cleaner := &fakeCleaner{err: assertErr}
	reasoner := &fakeReasoner{responses: []string{
		`{"headline":"Story One","dek":"d","b1":"b1","b2":"b2","b3":"b3","label":"L","image_prompt":"p"}`,
		`{"b1":"b1","b2":"b2","b3":"b3"}`,
	}}

	stage := &Stage{Issues: issues, Selects: selects, Stories: stories, Cleaner: cleaner, Reasoner: reasoner}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Counts["stories_decorated"])
	assert.Equal(t, "raw body content", stories.rows[0].RawExcerpt)
}

func TestStage_NoPendingIssueSkips(t *testing.T) {
	stage := &Stage{Issues: &fakeIssueStore{}, Selects: &fakeSelectStore{}, Stories: &fakeStoryStore{}}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

type testError struct{}

func (e *testError) Error() string { return "cleaner failed" }

var assertErr = &testError{}

type fakeGenerator struct {
	img    []byte
	source string
	err    error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) ([]byte, string, error) {
	return f.img, f.source, f.err
}

type fakeCDN struct {
	uploadErr    error
	rawURL       string
	optimizedURL string
	resized      []byte
}

func (f *fakeCDN) Upload(ctx context.Context, preset string, img []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return f.rawURL, nil
}

func (f *fakeCDN) OptimizedURL(rawURL string) string {
	return f.optimizedURL
}

func (f *fakeCDN) LocalResize(img []byte) ([]byte, error) {
	return f.resized, nil
}

type fakeHost struct {
	url string
	err error
}

func (f *fakeHost) Upload(ctx context.Context, storyID string, img []byte) (string, error) {
	return f.url, f.err
}

func TestImageStage_GeneratesAndHostsImage(t *testing.T) {
	stories := &fakeStoryStore{rows: []models.IssueStoryModel{
		{ID: "s1", StoryID: "story-1", ImageStatus: models.ImageStatusNeedsImage, ImagePrompt: "a robot"},
	}}
	generator := &fakeGenerator{img: []byte("img-bytes"), source: "primary"}
	cdn := &fakeCDN{uploadErr: assertErr, resized: []byte("resized-bytes")}
	host := &fakeHost{url: "https://cdn.example.com/story-1.jpg"}

	stage := &ImageStage{Stories: stories, Generator: generator, CDN: cdn, Host: host}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["images_generated"])
	assert.Equal(t, "https://cdn.example.com/story-1.jpg", stories.rows[0].ImageURL)
	assert.Equal(t, "primary", stories.rows[0].ImageSource)
	assert.Equal(t, models.ImageStatusGenerated, stories.rows[0].ImageStatus)
}

func TestImageStage_GenerationFailureMarksFailed(t *testing.T) {
	stories := &fakeStoryStore{rows: []models.IssueStoryModel{
		{ID: "s1", StoryID: "story-1", ImageStatus: models.ImageStatusNeedsImage},
	}}
	generator := &fakeGenerator{err: assertErr}

	stage := &ImageStage{Stories: stories, Generator: generator, CDN: &fakeCDN{}, Host: &fakeHost{}}
	result, err := stage.Run(context.Background(), coordinator.StageInput{})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Counts["images_failed"])
	assert.Equal(t, models.ImageStatusFailed, stories.rows[0].ImageStatus)
}
