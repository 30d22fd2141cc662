package models

import (
	"time"

	"github.com/uptrace/bun"
)

// ArticleModel is the persisted form of C1's raw ingested item (Article).
type ArticleModel struct {
	bun.BaseModel `bun:"table:articles,alias:a"`

	ID           string    `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	Fingerprint  string    `bun:"fingerprint,unique,notnull"`
	CanonicalURL string    `bun:"canonical_url,notnull"`
	Title        string    `bun:"title,notnull"`
	SourceName   string    `bun:"source_name,notnull"`
	PublishedAt  time.Time `bun:"published_at,notnull"`
	IngestedAt   time.Time `bun:"ingested_at,notnull,default:current_timestamp"`
	NeedsScoring bool      `bun:"needs_scoring,notnull,default:true"`
	FitStatus    string    `bun:"fit_status,notnull,default:'pending'"`
}

const (
	FitStatusPending  = "pending"
	FitStatusScored   = "scored"
	FitStatusRejected = "rejected"
)
