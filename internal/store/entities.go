package store

import (
	"github.com/uptrace/bun"

	"github.com/pivot5/newsletterd/internal/infrastructure/storage/models"
)

// Store bundles the typed repositories for every logical entity named in
// spec §6: Articles, Selects, Prefilter, Issues, IssueStories,
// IssuesArchive, ExecutionLogs.
type Store struct {
	Articles       *Repository[models.ArticleModel]
	Selects        *Repository[models.SelectModel]
	PrefilterRows  *Repository[models.PrefilterRowModel]
	Issues         *Repository[models.IssueModel]
	IssueStories   *Repository[models.IssueStoryModel]
	IssuesArchive  *Repository[models.IssuesArchiveModel]
	ExecutionLogs  *Repository[models.ExecutionLogModel]
}

// New wires a Store's repositories on top of a single bun.DB connection.
func New(db *bun.DB) *Store {
	return &Store{
		Articles:      NewRepository[models.ArticleModel](db),
		Selects:       NewRepository[models.SelectModel](db),
		PrefilterRows: NewRepository[models.PrefilterRowModel](db),
		Issues:        NewRepository[models.IssueModel](db),
		IssueStories:  NewRepository[models.IssueStoryModel](db),
		IssuesArchive: NewRepository[models.IssuesArchiveModel](db),
		ExecutionLogs: NewRepository[models.ExecutionLogModel](db),
	}
}
