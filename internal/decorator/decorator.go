// Package decorator implements C8: turning a pending Issue's selected
// stories into published-ready IssueStory rows (headline, bullets/
// sections, label) and separately sweeping those rows for imagery.
// Grounded on original_source/workers/jobs/decoration.py (Pivot 5 record
// shape, content-cleaner-then-decorate flow, HTML <b> bolding pass) and
// signal_decoration.py (Signal's full-section and quick-hits shapes),
// with the image sweep grounded on workers/utils/images.py's
// generate -> optimize -> host pipeline.
package decorator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pivot5/newsletterd/internal/adapters/errkind"
	"github.com/pivot5/newsletterd/internal/adapters/imagecdn"
	"github.com/pivot5/newsletterd/internal/adapters/imagegen"
	"github.com/pivot5/newsletterd/internal/adapters/imagehost"
	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

const (
	variantSignal = "signal"

	// contentCleanerFallbackLength truncates raw body text when the fast
	// LLM content-cleaner call fails, matching decoration.py's
	// "markdown[:8000]" fallback.
	contentCleanerFallbackLength = 8000

	// rawExcerptMaxLength caps what's persisted into IssueStory.RawExcerpt,
	// matching decoration.py's "raw": cleaned_content[:10000].
	rawExcerptMaxLength = 10000

	cdnUploadPreset = "newsletter-story"
)

// signalMainSections names Signal's four full-section slots by SlotRefs
// key, in the order signal_slot_selection.py selects them (slot 2's
// quick-hits are enumerated separately by quickHitKeys).
var signalMainSections = []struct {
	Key       string
	SlotOrder int
}{
	{"top_story", 1},
	{"ai_at_work", 3},
	{"emerging_moves", 4},
	{"beyond_business", 5},
}

func quickHitKeys() []string {
	return []string{"signal_1", "signal_2", "signal_3", "signal_4", "signal_5"}
}

// IssueStore is the slice of Repository[models.IssueModel] the decoration
// stage needs.
type IssueStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error)
	Update(ctx context.Context, id string, patch map[string]interface{}) error
}

// SelectStore supplies the cleaned/raw body behind a selected fingerprint.
type SelectStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.SelectModel, error)
}

// StoryStore is the slice of Repository[models.IssueStoryModel] both
// decoration stages need.
type StoryStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueStoryModel, error)
	Upsert(ctx context.Context, matchField string, row *models.IssueStoryModel) error
	Update(ctx context.Context, id string, patch map[string]interface{}) error
}

// Cleaner is the fast LLM's content-cleaner contract: strip navigation,
// ads, and footers from a story's raw/cleaned body.
type Cleaner interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Reasoner is the slower reasoning LLM's contract, used for both the
// decoration record and the Pivot 5 bolding pass.
type Reasoner interface {
	CompleteJSON(ctx context.Context, systemPrompt, userMessage string, target interface{}) error
}

// pick is one selected story pulled from an Issue's SlotRefs, ready to be
// decorated.
type pick struct {
	Key         string
	Fingerprint string
	Headline    string
	SourceName  string
	SlotOrder   int
	Section     string
	QuickHit    bool
}

// Stage implements coordinator.Stage for C8's decoration half: content
// cleaning, per-story decoration, and (Pivot 5 only) bolding.
type Stage struct {
	Issues   IssueStore
	Selects  SelectStore
	Stories  StoryStore
	Cleaner  Cleaner
	Reasoner Reasoner

	BrandName string
}

func (s *Stage) Name() string { return "decorate" }

// Run picks up a single pending Issue and decorates every story it
// references, per spec.md §4.8.
func (s *Stage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"stories_decorated": 0}}

	issues, err := s.Issues.Find(ctx, store.Eq("status", models.IssueStatusPending), store.FindOptions{Limit: 1})
	if err != nil {
		return result, err
	}
	if len(issues) == 0 {
		result.Skipped = true
		result.Reason = "no pending issue"
		return result, nil
	}
	issue := issues[0]

	picks := picksFor(issue)
	if len(picks) == 0 {
		result.Skipped = true
		result.Reason = "issue has no slot selections"
		return result, nil
	}

	for _, p := range picks {
		if err := s.decorateOne(ctx, issue, p); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", p.Key, err))
			logger.WarnContext(ctx, "decorate: story failed", "issue_id", issue.IssueID, "key", p.Key, "error", err)
			continue
		}
		result.Counts["stories_decorated"]++
	}

	if err := s.Issues.Update(ctx, issue.ID, map[string]interface{}{"status": models.IssueStatusDecorated}); err != nil {
		return result, err
	}

	return result, nil
}

// picksFor enumerates every selected story on issue, in the variant's
// section scheme (plain slot_N for Pivot 5; section names plus
// signal_1..signal_5 quick-hits for Signal), mirroring C7's own SlotRefs
// naming (internal/selector.slotRefKey/signalSectionKeys).
func picksFor(issue models.IssueModel) []pick {
	var picks []pick
	if issue.Variant == variantSignal {
		for _, section := range signalMainSections {
			if p, ok := readPick(issue, section.Key, section.SlotOrder, section.Key, false); ok {
				picks = append(picks, p)
			}
		}
		for _, key := range quickHitKeys() {
			if p, ok := readPick(issue, key, 2, "signal", true); ok {
				picks = append(picks, p)
			}
		}
		return picks
	}

	for slot := 1; slot <= 5; slot++ {
		key := fmt.Sprintf("slot_%d", slot)
		if p, ok := readPick(issue, key, slot, "", false); ok {
			picks = append(picks, p)
		}
	}
	return picks
}

func readPick(issue models.IssueModel, key string, slotOrder int, section string, quickHit bool) (pick, bool) {
	fp := issue.SlotRefs.GetString(key + "_fingerprint")
	if fp == "" {
		return pick{}, false
	}
	return pick{
		Key:         key,
		Fingerprint: fp,
		Headline:    issue.SlotRefs.GetString(key + "_headline"),
		SourceName:  issue.SlotRefs.GetString(key + "_source"),
		SlotOrder:   slotOrder,
		Section:     section,
		QuickHit:    quickHit,
	}, true
}

func (s *Stage) decorateOne(ctx context.Context, issue models.IssueModel, p pick) error {
	sel, err := s.lookupSelect(ctx, p.Fingerprint)
	if err != nil {
		return err
	}

	content := sel.CleanedBody
	if content == "" {
		content = sel.RawBody
	}

	cleaned, err := s.Cleaner.Complete(ctx, contentCleanerSystemPrompt, content)
	if err != nil {
		logger.WarnContext(ctx, "decorate: content cleaner failed, truncating raw body", "key", p.Key, "error", err)
		cleaned = truncate(sel.RawBody, contentCleanerFallbackLength)
	}

	storyID := issue.IssueID + "-" + p.Key
	story := &models.IssueStoryModel{
		StoryID:     storyID,
		IssueID:     issue.IssueID,
		Fingerprint: p.Fingerprint,
		SlotOrder:   p.SlotOrder,
		Section:     p.Section,
		ImageStatus:  models.ImageStatusNeedsImage,
		ImageSource:  models.ImageSourceNone,
		RawExcerpt:   truncate(cleaned, rawExcerptMaxLength),
		CanonicalURL: sel.CanonicalURL,
	}

	switch {
	case issue.Variant == variantSignal && p.QuickHit:
		if err := s.decorateQuickHit(ctx, p, cleaned, story); err != nil {
			return err
		}
	case issue.Variant == variantSignal:
		if err := s.decorateSignalSection(ctx, p, cleaned, story); err != nil {
			return err
		}
	default:
		if err := s.decoratePivot5(ctx, p, cleaned, story); err != nil {
			return err
		}
	}

	return s.Stories.Upsert(ctx, "story_id", story)
}

func (s *Stage) lookupSelect(ctx context.Context, fingerprint string) (models.SelectModel, error) {
	rows, err := s.Selects.Find(ctx, store.Eq("fingerprint", fingerprint), store.FindOptions{Limit: 1})
	if err != nil {
		return models.SelectModel{}, err
	}
	if len(rows) == 0 {
		return models.SelectModel{}, errkind.InvalidInputf("decorator", "no select for fingerprint %s", fingerprint)
	}
	return rows[0], nil
}

const contentCleanerSystemPrompt = `Strip navigation, ads, related-article boxes, and footer boilerplate from the article text below. Return only the cleaned article body, no commentary.`

type pivot5Decoration struct {
	Headline    string `json:"headline"`
	Dek         string `json:"dek"`
	B1          string `json:"b1"`
	B2          string `json:"b2"`
	B3          string `json:"b3"`
	Label       string `json:"label"`
	ImagePrompt string `json:"image_prompt"`
}

type signalSectionDecoration struct {
	Headline     string   `json:"headline"`
	OneLiner     string   `json:"one_liner"`
	Lead         string   `json:"lead"`
	WhyItMatters []string `json:"why_it_matters"`
	WhatsNext    []string `json:"whats_next"`
	Source       string   `json:"source"`
}

type signalQuickHitDecoration struct {
	Headline    string `json:"headline"`
	SignalBlurb string `json:"signal_blurb"`
}

type bolded struct {
	B1 string `json:"b1"`
	B2 string `json:"b2"`
	B3 string `json:"b3"`
}

func (s *Stage) decoratePivot5(ctx context.Context, p pick, content string, story *models.IssueStoryModel) error {
	prompt := fmt.Sprintf(pivot5DecorationPromptFmt, p.Headline, p.SourceName, s.BrandName)
	var dec pivot5Decoration
	if err := s.Reasoner.CompleteJSON(ctx, prompt, content, &dec); err != nil {
		return err
	}

	var b bolded
	if err := s.Reasoner.CompleteJSON(ctx, boldingSystemPrompt, bulletsUserMessage(dec.B1, dec.B2, dec.B3), &b); err != nil {
		logger.WarnContext(ctx, "decorate: bolding pass failed, using unbolded bullets", "key", p.Key, "error", err)
		b = bolded{B1: dec.B1, B2: dec.B2, B3: dec.B3}
	}

	if headline := firstNonEmpty(dec.Headline, p.Headline); headline != "" {
		story.Headline = headline
	}
	story.DekOrOneLiner = dec.Dek
	story.Bullets = models.StringArray{b.B1, b.B2, b.B3}
	story.Label = dec.Label
	story.ImagePrompt = dec.ImagePrompt
	return nil
}

const pivot5DecorationPromptFmt = `You are writing the Pivot 5 AI newsletter. Story headline: %q. Source: %q. Brand: %s.

Return JSON only: headline, dek, b1, b2, b3 (each bullet up to 260 characters, inline emphasis allowed via <b> tags on one key phrase), label (a short topical tag), image_prompt (a one-sentence description for a 16:9 editorial illustration, no text/logos/faces).`

const boldingSystemPrompt = `Add <b></b> tags around exactly one key phrase per bullet. Return JSON only: b1, b2, b3.`

func bulletsUserMessage(b1, b2, b3 string) string {
	return fmt.Sprintf("b1: %s\nb2: %s\nb3: %s", b1, b2, b3)
}

func (s *Stage) decorateSignalSection(ctx context.Context, p pick, content string, story *models.IssueStoryModel) error {
	prompt := fmt.Sprintf(signalSectionPromptFmt, p.Headline, p.SourceName)
	var dec signalSectionDecoration
	if err := s.Reasoner.CompleteJSON(ctx, prompt, content, &dec); err != nil {
		return err
	}

	if headline := firstNonEmpty(dec.Headline, p.Headline); headline != "" {
		story.Headline = headline
	}
	story.DekOrOneLiner = dec.OneLiner
	story.Lead = dec.Lead
	story.WhyItMatters = joinBullets(dec.WhyItMatters)
	story.WhatsNext = joinBullets(dec.WhatsNext)
	return nil
}

const signalSectionPromptFmt = `You are writing the Signal AI newsletter. Story headline: %q. Source: %q.

Return JSON only: headline, one_liner, lead, why_it_matters (exactly two bullet strings), whats_next (exactly two bullet strings), source.`

func (s *Stage) decorateQuickHit(ctx context.Context, p pick, content string, story *models.IssueStoryModel) error {
	var dec signalQuickHitDecoration
	if err := s.Reasoner.CompleteJSON(ctx, quickHitPromptFmt, content, &dec); err != nil {
		return err
	}

	if headline := firstNonEmpty(dec.Headline, p.Headline); headline != "" {
		story.Headline = headline
	}
	story.SignalBlurb = dec.SignalBlurb
	return nil
}

const quickHitPromptFmt = `Summarize this story as a single Signal newsletter quick-hit.

Return JSON only: headline, signal_blurb (exactly one sentence, 25 words or fewer).`

func joinBullets(bullets []string) string {
	var b strings.Builder
	for i, line := range bullets {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("• ")
		b.WriteString(line)
	}
	return b.String()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ImageGenerator is the primary/fallback fan-out contract the image
// sweep calls.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, string, error)
}

// CDN is the optimization contract: upload raw bytes under a preset,
// derive the transformed delivery URL, and fall back to a local resize
// when the CDN itself is unreachable.
type CDN interface {
	Upload(ctx context.Context, preset string, img []byte) (string, error)
	OptimizedURL(rawURL string) string
	LocalResize(img []byte) ([]byte, error)
}

// Host is the final-hosting contract the image sweep uploads optimized
// bytes to.
type Host interface {
	Upload(ctx context.Context, storyID string, img []byte) (string, error)
}

// ImageStage implements coordinator.Stage for C8's imagery sweep: every
// IssueStory still needing a picture gets one generated, optimized, and
// hosted. Grounded on workers/utils/images.py's process_image pipeline.
type ImageStage struct {
	Stories   StoryStore
	Generator ImageGenerator
	CDN       CDN
	Host      Host

	httpClient *http.Client
}

func (s *ImageStage) Name() string { return "decorate_images" }

func (s *ImageStage) client() *http.Client {
	if s.httpClient != nil {
		return s.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (s *ImageStage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"images_generated": 0, "images_failed": 0}}

	pred := store.Or(
		store.Eq("image_status", models.ImageStatusNeedsImage),
		store.Eq("image_status", models.ImageStatusPending),
	)
	stories, err := s.Stories.Find(ctx, pred, store.FindOptions{})
	if err != nil {
		return result, err
	}

	for _, story := range stories {
		if err := s.imageOne(ctx, story); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", story.StoryID, err))
			result.Counts["images_failed"]++
			if updateErr := s.Stories.Update(ctx, story.ID, map[string]interface{}{"image_status": models.ImageStatusFailed}); updateErr != nil {
				result.Errors = append(result.Errors, updateErr)
			}
			continue
		}
		result.Counts["images_generated"]++
	}

	return result, nil
}

func (s *ImageStage) imageOne(ctx context.Context, story models.IssueStoryModel) error {
	prompt := story.ImagePrompt
	if prompt == "" {
		prompt = "Editorial illustration representing: " + story.Headline
	}

	img, source, err := s.Generator.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generating image: %w", err)
	}

	optimized := s.optimize(ctx, img)

	imageURL, err := s.Host.Upload(ctx, story.StoryID, optimized)
	if err != nil {
		return fmt.Errorf("hosting image: %w", err)
	}

	return s.Stories.Update(ctx, story.ID, map[string]interface{}{
		"image_url":    imageURL,
		"image_source": source,
		"image_status": models.ImageStatusGenerated,
	})
}

// optimize uploads img to the CDN and fetches the transformed bytes back;
// when the CDN can't be reached it resizes img locally instead, per
// spec.md §4.8's "local resize fallback if the CDN is unreachable".
func (s *ImageStage) optimize(ctx context.Context, img []byte) []byte {
	rawURL, err := s.CDN.Upload(ctx, cdnUploadPreset, img)
	if err != nil {
		resized, resizeErr := s.CDN.LocalResize(img)
		if resizeErr != nil {
			return img
		}
		return resized
	}

	optimizedURL := s.CDN.OptimizedURL(rawURL)
	bytes, err := s.fetch(ctx, optimizedURL)
	if err != nil {
		resized, resizeErr := s.CDN.LocalResize(img)
		if resizeErr != nil {
			return img
		}
		return resized
	}
	return bytes
}

func (s *ImageStage) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching optimized image: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

var (
	_ ImageGenerator = (*imagegen.Strategy)(nil)
	_ CDN            = (*imagecdn.HTTPClient)(nil)
	_ Host           = (*imagehost.HTTPHost)(nil)
)
