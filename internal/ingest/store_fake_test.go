package ingest

import (
	"context"

	"github.com/pivot5/newsletterd/internal/fingerprint"
	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
	"github.com/pivot5/newsletterd/internal/store"
)

// testArticleStore is an in-memory ArticleStore double, standing in for a
// live Postgres-backed Repository[models.ArticleModel] in unit tests.
type testArticleStore struct {
	rows []models.ArticleModel
}

func newTestArticleStore() *testArticleStore { return &testArticleStore{} }

func (s *testArticleStore) repo() ArticleStore { return s }

func (s *testArticleStore) seedFingerprint(rawURL string) {
	s.rows = append(s.rows, models.ArticleModel{
		ID:          "seed-" + rawURL,
		Fingerprint: fingerprint.FingerprintURL(rawURL),
	})
}

func (s *testArticleStore) Find(ctx context.Context, pred store.Predicate, opts store.FindOptions) ([]models.ArticleModel, error) {
	return s.rows, nil
}

func (s *testArticleStore) InsertBatch(ctx context.Context, rows []models.ArticleModel) error {
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *testArticleStore) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	for i := range s.rows {
		if s.rows[i].ID == id {
			if v, ok := patch["canonical_url"].(string); ok {
				s.rows[i].CanonicalURL = v
			}
			if v, ok := patch["fingerprint"].(string); ok {
				s.rows[i].Fingerprint = v
			}
			if v, ok := patch["source_name"].(string); ok {
				s.rows[i].SourceName = v
			}
		}
	}
	return nil
}
