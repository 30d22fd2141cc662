package models

import (
	"time"

	"github.com/uptrace/bun"
)

// PrefilterRowModel is one (article, eligible slot, run) row written by C6.
type PrefilterRowModel struct {
	bun.BaseModel `bun:"table:prefilter_rows,alias:p"`

	ID            string    `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	RunID         string    `bun:"run_id,notnull"`
	Fingerprint   string    `bun:"fingerprint,notnull"`
	ArticleID     string    `bun:"article_id,notnull"`
	Headline      string    `bun:"headline,notnull"`
	CanonicalURL  string    `bun:"canonical_url,notnull"`
	SourceName    string    `bun:"source_name,notnull"`
	Slot          int       `bun:"slot,notnull"`
	PrefilteredAt time.Time `bun:"prefiltered_at,notnull,default:current_timestamp"`
	PublishedAt   time.Time `bun:"published_at,notnull"`
}
