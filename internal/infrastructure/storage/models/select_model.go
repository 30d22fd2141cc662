package models

import (
	"time"

	"github.com/uptrace/bun"
)

// SelectModel is C5's projection of an Article that passed scoring (Select).
type SelectModel struct {
	bun.BaseModel `bun:"table:selects,alias:s"`

	ID               string    `bun:"id,pk,type:uuid,default:uuid_generate_v4()"`
	Fingerprint      string    `bun:"fingerprint,notnull"`
	SourceName       string    `bun:"source_name,notnull"`
	CanonicalURL     string    `bun:"canonical_url,notnull"`
	RawBody          string    `bun:"raw_body"`
	CleanedBody      string    `bun:"cleaned_body"`
	InterestScore    float64   `bun:"interest_score,notnull"`
	Topic            string    `bun:"topic"`
	Sentiment        string    `bun:"sentiment"`
	AIProcessedAt    time.Time `bun:"ai_processed_at"`
	ExtractorSession string    `bun:"extractor_session"`
	ExtractorUsed    bool      `bun:"extractor_used,notnull,default:false"`
}
