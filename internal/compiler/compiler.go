// Package compiler implements C9's compile half: turning a decorated
// Issue's stories into the two HTML variants spec.md §4.9 requires, then
// advancing the Issue to compiled and immediately to next-send. Grounded
// on original_source/workers/utils/html_stripper.py (deliverability
// variant, brand-name swap, bold-preserving escape) and
// workers/jobs/signal_html_compile.py (section ordering, Signal's
// Georgia/green styling and quick-hit rendering).
package compiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

const variantSignal = "signal"

// genericBrandName is what the deliverability variant substitutes for the
// real brand name (spec §4.9: "textually replaced with a generic
// equivalent"), matching html_stripper.py's literal replacement target.
const genericBrandName = "Daily AI Briefing"

// Brand carries the per-variant styling and copy the two templates need.
// Pivot5Brand/SignalBrand below are grounded on html_stripper.py's
// build_full_html_email (Arial, #f97316, 640px) and
// signal_html_compile.py's documented differences (Georgia, #059669,
// 600px).
type Brand struct {
	Name        string
	FontFamily  string
	AccentColor string
	WrapWidth   string
	LogoURL     string
}

var Pivot5Brand = Brand{
	Name:        "Pivot 5",
	FontFamily:  "Arial, Helvetica, sans-serif",
	AccentColor: "#f97316",
	WrapWidth:   "640px",
}

var SignalBrand = Brand{
	Name:        "Signal",
	FontFamily:  "Georgia, serif",
	AccentColor: "#059669",
	WrapWidth:   "600px",
}

// IssueStore is the slice of Repository[models.IssueModel] the compiler needs.
type IssueStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error)
	Update(ctx context.Context, id string, patch map[string]interface{}) error
}

// StoryStore is the slice of Repository[models.IssueStoryModel] the
// compiler needs.
type StoryStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueStoryModel, error)
}

// Stage implements coordinator.Stage for C9's compile half.
type Stage struct {
	Issues  IssueStore
	Stories StoryStore

	Pivot5Brand    Brand
	SignalBrand    Brand
	UnsubscribeURL string
	ManagePrefsURL string
	IncludeImages  bool
}

func (s *Stage) Name() string { return "compile" }

// Run picks up one decorated Issue, compiles both HTML variants, and moves
// it through compiled to next-send (spec §4.9: "Set status = compiled,
// then next-send").
func (s *Stage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	result := coordinator.StageResult{Counts: map[string]int{"issues_compiled": 0}}

	issues, err := s.Issues.Find(ctx, store.Eq("status", models.IssueStatusDecorated), store.FindOptions{Limit: 1})
	if err != nil {
		return result, err
	}
	if len(issues) == 0 {
		result.Skipped = true
		result.Reason = "no decorated issue"
		return result, nil
	}
	issue := issues[0]

	stories, err := s.Stories.Find(ctx, store.Eq("issue_id", issue.IssueID), store.FindOptions{OrderBy: "slot_order"})
	if err != nil {
		return result, err
	}
	sort.SliceStable(stories, func(i, j int) bool { return stories[i].SlotOrder < stories[j].SlotOrder })

	brand := s.Pivot5Brand
	if issue.Variant == variantSignal {
		brand = s.SignalBrand
	}

	rich, err := s.renderRich(issue, stories, brand)
	if err != nil {
		return result, fmt.Errorf("rendering rich variant: %w", err)
	}
	deliverability, err := s.renderDeliverability(issue, stories, brand)
	if err != nil {
		return result, fmt.Errorf("rendering deliverability variant: %w", err)
	}

	if !models.CanTransition(issue.Status, models.IssueStatusCompiled) {
		return result, fmt.Errorf("compile: illegal transition %s -> %s for issue %s", issue.Status, models.IssueStatusCompiled, issue.IssueID)
	}
	if err := s.Issues.Update(ctx, issue.ID, map[string]interface{}{
		"compiled_html":       rich,
		"deliverability_html": deliverability,
		"status":              models.IssueStatusCompiled,
	}); err != nil {
		return result, err
	}
	if err := s.Issues.Update(ctx, issue.ID, map[string]interface{}{"status": models.IssueStatusNextSend}); err != nil {
		return result, err
	}

	logger.InfoContext(ctx, "compile: issue compiled", "issue_id", issue.IssueID, "stories", len(stories))
	result.Counts["issues_compiled"] = 1
	return result, nil
}

func (s *Stage) renderRich(issue models.IssueModel, stories []models.IssueStoryModel, brand Brand) (string, error) {
	data := s.buildTemplateData(issue, stories, brand, true)
	var buf strings.Builder
	if err := richTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Stage) renderDeliverability(issue models.IssueModel, stories []models.IssueStoryModel, brand Brand) (string, error) {
	data := s.buildTemplateData(issue, stories, brand, false)
	var buf strings.Builder
	if err := deliverabilityTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return replaceBrand(buf.String(), genericBrandName), nil
}

func (s *Stage) buildTemplateData(issue models.IssueModel, stories []models.IssueStoryModel, brand Brand, richVariant bool) templateData {
	data := templateData{
		Subject:       issue.SubjectLine,
		Preheader:     escapePlain(issue.SubjectLine),
		BrandName:     brand.Name,
		AccentColor:   brand.AccentColor,
		FontFamily:    brand.FontFamily,
		WrapWidth:     brand.WrapWidth,
		LogoURL:       brand.LogoURL,
		Year:          time.Now().Year(),
		Unsubscribe:   escapePlain(s.UnsubscribeURL),
		ManagePrefs:   escapePlain(s.ManagePrefsURL),
		IncludeImages: richVariant && s.IncludeImages,
	}
	if data.Unsubscribe == "" {
		data.Unsubscribe = "{{unsubscribe_url}}"
	}
	if data.ManagePrefs == "" {
		data.ManagePrefs = "{{manage_prefs_url}}"
	}

	for _, story := range stories {
		data.Stories = append(data.Stories, storyToView(story))
	}
	return data
}

func storyToView(story models.IssueStoryModel) storyView {
	view := storyView{
		Label:       escapePlain(story.Label),
		Headline:    escapePlain(story.Headline),
		URL:         story.CanonicalURL,
		ImageURL:    story.ImageURL,
		Lead:        escapePlain(story.Lead),
		SignalBlurb: escapeBold(story.SignalBlurb),
		QuickHit:    story.SignalBlurb != "",
	}
	for _, b := range story.Bullets {
		if b != "" {
			view.Bullets = append(view.Bullets, escapeBold(b))
		}
	}
	view.Bullets = append(view.Bullets, bulletLines(story.WhyItMatters)...)
	view.Bullets = append(view.Bullets, bulletLines(story.WhatsNext)...)
	return view
}
