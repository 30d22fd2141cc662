// Package selector implements C7: for each newsletter slot, in variant
// order, picking one (or for Signal's slot 2, five) PrefilterRow candidates
// via the reasoning LLM, enforcing 14-day cross-issue and within-run
// duplication rules, and persisting the result as a pending Issue. Grounded
// on original_source/workers/jobs/slot_selection.py (freshness windows,
// weekend extension, cumulative state, next-issue date rule) and
// signal_slot_selection.py (Signal's slot order and quick-hits slot), with
// the selection prompt's shape following app/workers/utils/claude.py's
// select_slot/generate_subject_line.
package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pivot5/newsletterd/internal/coordinator"
	"github.com/pivot5/newsletterd/internal/infrastructure/logger"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// VariantPivot5 and VariantSignal are the two newsletter variants this
// stage can run for, matching coordinator.StageInput.Variant.
const (
	VariantPivot5 = "pivot5"
	VariantSignal = "signal"
)

// signalQuickHitsSlot is the Signal slot that selects five stories in one
// call instead of one, per spec.md §4.7 point 7.
const signalQuickHitsSlot = 2

// signalSectionKeys names Signal's main (single-pick) sections by slot
// number, grounded on signal_slot_selection.py's SIGNAL_SELECTION_ORDER.
// Slot 2 (the quick-hits section, "signal") is handled separately via
// signal_{i}_* keys instead of one section key.
var signalSectionKeys = map[int]string{
	1: "top_story",
	3: "ai_at_work",
	4: "emerging_moves",
	5: "beyond_business",
}

// signalQuickHitsCount is how many quick-hits Signal's slot 2 selects.
const signalQuickHitsCount = 5

// duplicateLookbackHours is the 14-day cross-issue dedup window (spec §4.7,
// DUPLICATE_LOOKBACK_DAYS in slot_selection.py).
const duplicateLookbackHours = 14 * 24

// prefilterCandidateCap bounds how many PrefilterRows are offered to the
// reasoning LLM per slot (spec §4.7 point 2).
const prefilterCandidateCap = 200

// VariantConfig holds a variant's slot order and freshness bases.
type VariantConfig struct {
	SlotOrder      []int
	BaseFreshness  map[int]float64 // hours
	WeekendExtends bool            // Pivot 5 extends short windows on Sun/Mon; Signal doesn't
}

// Pivot5Config and SignalConfig are the two variants' fixed shapes, per
// spec.md §4.7.
var (
	Pivot5Config = VariantConfig{
		SlotOrder:      []int{1, 2, 3, 4, 5},
		BaseFreshness:  map[int]float64{1: 24, 2: 48, 3: 168, 4: 48, 5: 168},
		WeekendExtends: true,
	}
	SignalConfig = VariantConfig{
		SlotOrder:      []int{1, 3, 4, 5, 2},
		BaseFreshness:  map[int]float64{1: 24, 2: 72, 3: 72, 4: 72, 5: 72},
		WeekendExtends: false,
	}
)

// selection is the reasoning LLM's structured per-slot (or per-quick-hit)
// output, spec.md §4.7 point 5.
type selection struct {
	SelectedID          string `json:"selected_id"`
	SelectedFingerprint string `json:"selected_fingerprint"`
	SelectedHeadline    string `json:"selected_headline"`
	SelectedSource      string `json:"selected_source"`
	SelectedCompany     string `json:"selected_company"`
}

type quickHitsSelection struct {
	Selections []selection `json:"selections"`
}

// cumulativeState tracks diversity constraints across slots within one run,
// mirroring slot_selection.py's cumulative_state dict.
type cumulativeState struct {
	selectedToday     []string
	selectedFP        map[string]bool
	selectedCompanies []string
	selectedSources   map[string]int
}

func newCumulativeState() *cumulativeState {
	return &cumulativeState{selectedFP: map[string]bool{}, selectedSources: map[string]int{}}
}

func (c *cumulativeState) record(sel selection) {
	if sel.SelectedFingerprint != "" {
		c.selectedToday = append(c.selectedToday, sel.SelectedFingerprint)
		c.selectedFP[sel.SelectedFingerprint] = true
	}
	if sel.SelectedCompany != "" {
		c.selectedCompanies = append(c.selectedCompanies, sel.SelectedCompany)
	}
	if sel.SelectedSource != "" {
		c.selectedSources[sel.SelectedSource]++
	}
}

// PrefilterStore is the slice of Repository[models.PrefilterRowModel] the
// stage needs: per-slot candidate retrieval.
type PrefilterStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.PrefilterRowModel, error)
}

// IssueStore is the slice of Repository[models.IssueModel] the stage needs:
// recent-issue dedup context and persisting the new pending Issue.
type IssueStore interface {
	Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.IssueModel, error)
	Insert(ctx context.Context, row *models.IssueModel) error
}

// Reasoner is the narrow slice of llm.ReasoningClient the stage needs,
// letting tests substitute a fake rather than the client's own HTTP
// transport.
type Reasoner interface {
	CompleteJSON(ctx context.Context, systemPrompt, userMessage string, target interface{}) error
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Stage implements coordinator.Stage for C7.
type Stage struct {
	Prefilter PrefilterStore
	Issues    IssueStore
	Reasoner  Reasoner

	Pivot5  VariantConfig
	Signal  VariantConfig
	BrandName string
}

func (s *Stage) Name() string { return "selector" }

func (s *Stage) config(variant string) VariantConfig {
	if variant == VariantSignal {
		return s.Signal
	}
	return s.Pivot5
}

// Run executes spec.md §4.7 for input.Variant (defaulting to Pivot 5 when
// unset, since the coordinator wires one Stage instance per variant run).
func (s *Stage) Run(ctx context.Context, input coordinator.StageInput) (coordinator.StageResult, error) {
	variant := input.Variant
	if variant == "" {
		variant = VariantPivot5
	}
	cfg := s.config(variant)
	now := input.Now
	if now.IsZero() {
		now = time.Now()
	}

	result := coordinator.StageResult{Counts: map[string]int{"slots_filled": 0}}

	recent, err := s.recentIssueData(ctx, variant, now)
	if err != nil {
		return result, err
	}

	state := newCumulativeState()
	slotRefs := models.JSONBMap{}
	var headlines []string

	for _, slot := range cfg.SlotOrder {
		freshnessHours := slotFreshnessHours(cfg, slot, now)
		candidates, err := s.fetchCandidates(ctx, slot, freshnessHours)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("slot %d: %w", slot, err))
			continue
		}

		available := filterDuplicates(candidates, recent, state)
		if len(available) == 0 {
			result.Errors = append(result.Errors, fmt.Errorf("slot %d: no candidates available", slot))
			continue
		}

		if variant == VariantSignal && slot == signalQuickHitsSlot {
			sels, err := s.selectQuickHits(ctx, slot, available, recent, state)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("slot %d: %w", slot, err))
				continue
			}
			for i, sel := range sels {
				state.record(sel)
				writeSlotRef(slotRefs, fmt.Sprintf("signal_%d", i+1), sel)
				headlines = append(headlines, sel.SelectedHeadline)
			}
			if len(sels) > 0 {
				result.Counts["slots_filled"]++
			}
			continue
		}

		sel, err := s.selectOne(ctx, slot, available, recent, state)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("slot %d: %w", slot, err))
			continue
		}

		state.record(sel)
		writeSlotRef(slotRefs, slotRefKey(variant, slot), sel)
		headlines = append(headlines, sel.SelectedHeadline)
		result.Counts["slots_filled"]++
	}

	issueDate := nextIssueDate(now)
	issue := &models.IssueModel{
		IssueID:   fmt.Sprintf("%s-%s", variant, issueDate.Format("2006-01-02")),
		Variant:   variant,
		IssueDate: issueDate,
		Status:    models.IssueStatusPending,
		SlotRefs:  slotRefs,
	}

	if len(headlines) > 0 {
		subject, err := s.generateSubjectLine(ctx, headlines)
		if err != nil {
			result.Errors = append(result.Errors, err)
		} else {
			issue.SubjectLine = subject
		}
	}

	if result.Counts["slots_filled"] > 0 {
		if err := s.Issues.Insert(ctx, issue); err != nil {
			return result, err
		}
	} else {
		result.Skipped = true
		result.Reason = "no slots filled"
	}

	return result, nil
}

// recentIssueContext is the diversity data pulled from recent Issues of the
// same variant, mirroring _extract_recent_issues_data/_extract_yesterday_data.
type recentIssueContext struct {
	fingerprints   map[string]bool
	headlinesLower map[string]bool
	headlines      []string // yesterday's, in slot order, for the prompt
	slot1Headline  string
}

func (s *Stage) recentIssueData(ctx context.Context, variant string, now time.Time) (*recentIssueContext, error) {
	pred := store.And(
		store.Eq("variant", variant),
		store.IsAfterNow("issue_date", -duplicateLookbackHours),
	)
	issues, err := s.Issues.Find(ctx, pred, store.FindOptions{OrderBy: "issue_date", Desc: true})
	if err != nil {
		return nil, err
	}

	ctxData := &recentIssueContext{fingerprints: map[string]bool{}, headlinesLower: map[string]bool{}}
	for idx, issue := range issues {
		for _, key := range slotRefKeys(issue.Variant) {
			fp := issue.SlotRefs.GetString(key + "_fingerprint")
			headline := issue.SlotRefs.GetString(key + "_headline")
			if fp != "" {
				ctxData.fingerprints[fp] = true
			}
			if headline != "" {
				ctxData.headlinesLower[strings.ToLower(strings.TrimSpace(headline))] = true
			}
		}
		if idx == 0 {
			for _, key := range slotRefKeys(issue.Variant) {
				ctxData.headlines = append(ctxData.headlines, issue.SlotRefs.GetString(key+"_headline"))
			}
			ctxData.slot1Headline = issue.SlotRefs.GetString("slot_1_headline")
		}
	}
	return ctxData, nil
}

// slotRefKey names the SlotRefs key prefix a slot's selection is stored
// under: Pivot 5 uses slot_N uniformly; Signal uses its section names for
// the four single-pick sections (signal_slot_selection.py's
// SIGNAL_SELECTION_ORDER), with quick-hit picks written separately under
// signal_1..signal_5 by the caller.
func slotRefKey(variant string, slot int) string {
	if variant == VariantSignal {
		if key, ok := signalSectionKeys[slot]; ok {
			return key
		}
	}
	return fmt.Sprintf("slot_%d", slot)
}

// slotRefKeys lists every key prefix a variant's Issue.SlotRefs may carry,
// for recent-issue dedup scanning.
func slotRefKeys(variant string) []string {
	if variant == VariantSignal {
		return []string{"top_story", "ai_at_work", "emerging_moves", "beyond_business", "signal_1", "signal_2", "signal_3", "signal_4", "signal_5"}
	}
	return []string{"slot_1", "slot_2", "slot_3", "slot_4", "slot_5"}
}

// slotFreshnessHours applies the weekend extension rule: Sunday or Monday
// runs extend any base window ≤ 48h to 72h (spec §4.7 point 1).
func slotFreshnessHours(cfg VariantConfig, slot int, now time.Time) float64 {
	base := cfg.BaseFreshness[slot]
	if !cfg.WeekendExtends {
		return base
	}
	weekday := now.Weekday()
	isWeekendRun := weekday == time.Sunday || weekday == time.Monday
	if isWeekendRun && base <= 48 {
		return 72
	}
	return base
}

func (s *Stage) fetchCandidates(ctx context.Context, slot int, freshnessHours float64) ([]models.PrefilterRowModel, error) {
	pred := store.And(
		store.Eq("slot", slot),
		store.IsAfterNow("published_at", -freshnessHours),
	)
	return s.Prefilter.Find(ctx, pred, store.FindOptions{OrderBy: "published_at", Desc: true, Limit: prefilterCandidateCap})
}

// filterDuplicates drops any candidate whose fingerprint or headline
// appears in recent issues or this run's already-selected set (spec §4.7
// point 3).
func filterDuplicates(candidates []models.PrefilterRowModel, recent *recentIssueContext, state *cumulativeState) []models.PrefilterRowModel {
	var out []models.PrefilterRowModel
	for _, c := range candidates {
		if recent.fingerprints[c.Fingerprint] || state.selectedFP[c.Fingerprint] {
			continue
		}
		if recent.headlinesLower[strings.ToLower(strings.TrimSpace(c.Headline))] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectOne runs one reasoning-LLM call for a single-pick slot, reconciling
// the result against the candidate list per spec §4.7 point 5.
func (s *Stage) selectOne(ctx context.Context, slot int, candidates []models.PrefilterRowModel, recent *recentIssueContext, state *cumulativeState) (selection, error) {
	systemPrompt := buildSlotSystemPrompt(s.BrandName, slot, recent, state)
	userPrompt := buildCandidatesPrompt(candidates)

	var sel selection
	if err := s.Reasoner.CompleteJSON(ctx, systemPrompt, userPrompt, &sel); err != nil {
		return selection{}, err
	}
	return reconcile(sel, candidates), nil
}

// selectQuickHits runs Signal's one-call, five-pick slot (spec §4.7 point 7).
func (s *Stage) selectQuickHits(ctx context.Context, slot int, candidates []models.PrefilterRowModel, recent *recentIssueContext, state *cumulativeState) ([]selection, error) {
	systemPrompt := buildSlotSystemPrompt(s.BrandName, slot, recent, state) +
		fmt.Sprintf("\n\nSelect exactly %d distinct quick-hit stories. Return JSON as {\"selections\": [...]}, one object per pick in the same shape as a single-slot selection.", signalQuickHitsCount)
	userPrompt := buildCandidatesPrompt(candidates)

	var parsed quickHitsSelection
	if err := s.Reasoner.CompleteJSON(ctx, systemPrompt, userPrompt, &parsed); err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []selection
	for _, raw := range parsed.Selections {
		sel := reconcile(raw, candidates)
		if sel.SelectedFingerprint == "" || seen[sel.SelectedFingerprint] {
			continue
		}
		seen[sel.SelectedFingerprint] = true
		out = append(out, sel)
	}
	return out, nil
}

// reconcile implements spec §4.7 point 5's fallback chain: trust
// selected_fingerprint if present and valid, else match by selected_id, else
// fall back to an exact (case-insensitive, trimmed) headline match and
// correct the ID/fingerprint to the matched candidate's.
func reconcile(sel selection, candidates []models.PrefilterRowModel) selection {
	if sel.SelectedFingerprint != "" {
		for _, c := range candidates {
			if c.Fingerprint == sel.SelectedFingerprint {
				return fillFromCandidate(sel, c)
			}
		}
	}

	if sel.SelectedID != "" {
		for _, c := range candidates {
			if c.ArticleID == sel.SelectedID {
				return fillFromCandidate(sel, c)
			}
		}
	}

	if sel.SelectedHeadline != "" {
		target := strings.ToLower(strings.TrimSpace(sel.SelectedHeadline))
		for _, c := range candidates {
			if strings.ToLower(strings.TrimSpace(c.Headline)) == target {
				return fillFromCandidate(sel, c)
			}
		}
	}

	logger.Warn("selector: no candidate match for selection", "selected_id", sel.SelectedID, "selected_fingerprint", sel.SelectedFingerprint)
	return selection{}
}

func fillFromCandidate(sel selection, c models.PrefilterRowModel) selection {
	sel.SelectedFingerprint = c.Fingerprint
	sel.SelectedID = c.ArticleID
	sel.SelectedHeadline = c.Headline
	if sel.SelectedSource == "" {
		sel.SelectedSource = c.SourceName
	}
	return sel
}

func writeSlotRef(refs models.JSONBMap, key string, sel selection) {
	refs.Set(key+"_fingerprint", sel.SelectedFingerprint)
	refs.Set(key+"_headline", sel.SelectedHeadline)
	refs.Set(key+"_story_id", sel.SelectedID)
}

func (s *Stage) generateSubjectLine(ctx context.Context, headlines []string) (string, error) {
	prompt := "Generate a compelling email subject line for this daily AI newsletter.\n\nTODAY'S HEADLINES:\n"
	for i, h := range headlines {
		prompt += fmt.Sprintf("%d. %s\n", i+1, h)
	}
	prompt += "\nMaximum 60 characters. Avoid clickbait. Return only the subject line, no quotes."

	text, err := s.Reasoner.Complete(ctx, "", prompt)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(text), `"'`), nil
}

// nextIssueDate implements spec §4.7's next-publishing-day rule: Mon-Fri
// publishing days, Friday/Saturday runs skip the weekend. now must already
// be in the newsletter's civil timezone.
func nextIssueDate(now time.Time) time.Time {
	var delta int
	switch now.Weekday() {
	case time.Friday:
		delta = 3
	case time.Saturday:
		delta = 2
	default:
		delta = 1
	}
	next := now.AddDate(0, 0, delta)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, next.Location())
}

func buildSlotSystemPrompt(brandName string, slot int, recent *recentIssueContext, state *cumulativeState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a senior editor for %s, a daily AI industry newsletter with professional subscribers.\n\n", brandName)
	fmt.Fprintf(&b, "SLOT %d\n\n", slot)

	if len(recent.headlines) > 0 {
		b.WriteString("YESTERDAY'S HEADLINES - do not select stories covering the same topics:\n")
		for _, h := range recent.headlines {
			if h != "" {
				fmt.Fprintf(&b, "- %s\n", h)
			}
		}
		b.WriteString("\n")
	}

	if slot == 1 && recent.slot1Headline != "" {
		fmt.Fprintf(&b, "YESTERDAY'S SLOT 1 HEADLINE (for two-day company rotation - avoid repeating the same featured company): %s\n\n", recent.slot1Headline)
	}

	if len(state.selectedToday) > 0 {
		fmt.Fprintf(&b, "ALREADY SELECTED TODAY (do not repeat): %s\n", strings.Join(state.selectedToday, ", "))
	}
	if len(state.selectedCompanies) > 0 {
		fmt.Fprintf(&b, "COMPANIES ALREADY FEATURED TODAY: %s\n", strings.Join(state.selectedCompanies, ", "))
	}
	if len(state.selectedSources) > 0 {
		fmt.Fprintf(&b, "SOURCES ALREADY USED TODAY (max 2 per source): %v\n", state.selectedSources)
	}

	b.WriteString("\nPick the single best story for this slot. Return JSON only: " +
		"{\"selected_id\", \"selected_fingerprint\", \"selected_headline\", \"selected_source\", \"selected_company\"}.")
	return b.String()
}

func buildCandidatesPrompt(candidates []models.PrefilterRowModel) string {
	var b strings.Builder
	b.WriteString("CANDIDATES:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s fingerprint=%s source=%s headline=%q\n", c.ArticleID, c.Fingerprint, c.SourceName, c.Headline)
	}
	return b.String()
}
