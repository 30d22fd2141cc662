package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	IssueStatusPending   = "pending"
	IssueStatusDecorated = "decorated"
	IssueStatusCompiled  = "compiled"
	IssueStatusNextSend  = "next-send"
	IssueStatusScheduled = "scheduled"
	IssueStatusSent      = "sent"
	IssueStatusFailed    = "failed"
)

// issueStatusOrder encodes I4 (status never regresses): a transition is
// legal only if the target's rank is >= the current rank, or the target is
// "failed" (terminal, reachable from any state).
var issueStatusOrder = map[string]int{
	IssueStatusPending:   0,
	IssueStatusDecorated: 1,
	IssueStatusCompiled:  2,
	IssueStatusNextSend:  3,
	IssueStatusScheduled: 3,
	IssueStatusSent:      4,
}

// CanTransition reports whether moving an Issue from `from` to `to` respects
// I4's monotonicity invariant.
func CanTransition(from, to string) bool {
	if to == IssueStatusFailed {
		return true
	}
	fromRank, fromOK := issueStatusOrder[from]
	toRank, toOK := issueStatusOrder[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank >= fromRank
}

// IssueModel is C7's planned newsletter for a specific civil date. SlotRefs
// holds the per-slot or per-section fingerprint/headline/story-id triples
// (slot_{n}_fingerprint, slot_{n}_headline, slot_{n}_story_id, and for
// Signal the section-named equivalents plus five signal_{i}_* keys) as a
// JSONB map rather than fixed columns, per the "dynamic schemas -> typed
// façade" design note: the Selector and Decorator round-trip named fields
// through this map without the store ever interpreting them.
type IssueModel struct {
	bun.BaseModel `bun:"table:issues,alias:i"`

	ID                string    `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	IssueID           string    `bun:"issue_id,unique,notnull"`
	Variant           string    `bun:"variant,notnull"` // "pivot5" | "signal"
	IssueDate         time.Time `bun:"issue_date,notnull"`
	Status            string    `bun:"status,notnull,default:'pending'"`
	SubjectLine       string    `bun:"subject_line"`
	CompiledHTML      string    `bun:"compiled_html"`
	DeliverabilityHTML string   `bun:"deliverability_html"`
	ScheduledSendTime *time.Time `bun:"scheduled_send_time"`
	SentAt            *time.Time `bun:"sent_at"`
	SlotRefs          JSONBMap  `bun:"slot_refs,type:jsonb"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// IssueStoryModel is a decorated story attached to an Issue (C8/C9).
type IssueStoryModel struct {
	bun.BaseModel `bun:"table:issue_stories,alias:is"`

	ID           string   `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	IssueID      string   `bun:"issue_id,notnull"`
	StoryID      string   `bun:"story_id,unique,notnull"`
	Fingerprint  string   `bun:"fingerprint,notnull"`
	SlotOrder    int      `bun:"slot_order"`
	Section      string   `bun:"section"`
	Headline     string   `bun:"headline"`
	DekOrOneLiner string  `bun:"dek_or_one_liner"`
	Lead         string   `bun:"lead"`
	WhyItMatters string   `bun:"why_it_matters"`
	WhatsNext    string   `bun:"whats_next"`
	SignalBlurb  string   `bun:"signal_blurb"`
	Bullets      StringArray `bun:"bullets,type:text[]"`
	Label        string   `bun:"label"`
	ImagePrompt  string   `bun:"image_prompt"`
	ImageURL     string   `bun:"image_url"`
	ImageStatus  string   `bun:"image_status,notnull,default:'needs_image'"`
	ImageSource  string   `bun:"image_source,notnull,default:'none'"`
	RawExcerpt   string   `bun:"raw_excerpt"`
	CanonicalURL string   `bun:"canonical_url"`
}

const (
	ImageStatusNeedsImage = "needs_image"
	ImageStatusPending    = "pending"
	ImageStatusGenerated  = "generated"
	ImageStatusFailed     = "failed"

	ImageSourcePrimary  = "primary"
	ImageSourceFallback = "fallback"
	ImageSourceNone     = "none"
)

// IssuesArchiveModel is the terminal record for a sent (or permanently
// failed) Issue: IssuesFinal/IssuesArchive per §6, kept as one table since
// both represent "this Issue left the working set".
type IssuesArchiveModel struct {
	bun.BaseModel `bun:"table:issues_archive,alias:ia"`

	ID              string    `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	IssueID         string    `bun:"issue_id,unique,notnull"`
	Variant         string    `bun:"variant,notnull"`
	Status          string    `bun:"status,notnull"`
	SentAt          *time.Time `bun:"sent_at"`
	GatewayStats    JSONBMap  `bun:"gateway_stats,type:jsonb"`
	GatewayResponse JSONBMap  `bun:"gateway_response,type:jsonb"`
	ErrorMessage    string    `bun:"error_message"`
	ArchivedAt      time.Time `bun:"archived_at,notnull,default:current_timestamp"`
}
