package store

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/pivot5/newsletterd/internal/config"
)

// pageSize is the backend page size used when streaming rows for
// application-side predicate evaluation (spec §6: "page size 100").
const pageSize = 100

// writeBatchSize bounds insert_batch calls (spec §6: "writes batched at 10
// records per call").
const writeBatchSize = 10

// NewDB opens the Postgres connection pool bun uses for every entity.
func NewDB(cfg config.DatabaseConfig) *bun.DB {
	sqldb := pgdriver.NewConnector(pgdriver.WithDSN(cfg.URL)).Driver()
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// FindOptions controls ordering and the result cap for Repository.Find.
type FindOptions struct {
	OrderBy string // column name; empty means backend default order
	Desc    bool
	Limit   int // 0 means no cap beyond pagination safety
}

// Repository is a typed C3 accessor for one logical entity. T must be a bun
// model struct (one with a bun.BaseModel field carrying the table tag).
type Repository[T any] struct {
	db *bun.DB
}

// NewRepository constructs a Repository for entity T backed by db.
func NewRepository[T any](db *bun.DB) *Repository[T] {
	return &Repository[T]{db: db}
}

// Get fetches a single row by primary key, or (nil, nil) if it does not exist.
func (r *Repository[T]) Get(ctx context.Context, id string) (*T, error) {
	var row T
	err := r.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return &row, nil
}

// Find streams rows page by page from the backend, evaluating pred against
// each row in-process, and returns matches up to opts.Limit (spec §4.3's
// "lazy page stream" realized as bounded in-memory accumulation, since the
// predicate algebra is evaluated outside the backend's own query language).
func (r *Repository[T]) Find(ctx context.Context, pred Predicate, opts FindOptions) ([]T, error) {
	compiled, err := Compile(pred)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var matches []T
	offset := 0

	for {
		var page []T
		q := r.db.NewSelect().Model(&page).Limit(pageSize).Offset(offset)
		if opts.OrderBy != "" {
			order := opts.OrderBy
			if opts.Desc {
				order += " DESC"
			}
			q = q.Order(order)
		}
		if err := q.Scan(ctx); err != nil {
			return nil, fmt.Errorf("store: find: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			row := structToRow(&page[i])
			ok, err := compiled.Match(row, now)
			if err != nil {
				return nil, fmt.Errorf("store: evaluating predicate: %w", err)
			}
			if ok {
				matches = append(matches, page[i])
				if opts.Limit > 0 && len(matches) >= opts.Limit {
					return matches, nil
				}
			}
		}

		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}

	return matches, nil
}

// Insert writes one row and returns nothing beyond the driver error; the
// model's own ID field (set by the DB default or by the caller) is the key.
func (r *Repository[T]) Insert(ctx context.Context, row *T) error {
	_, err := r.db.NewInsert().Model(row).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// InsertBatch writes rows in fixed-size chunks (spec §6: 10 records/call).
func (r *Repository[T]) InsertBatch(ctx context.Context, rows []T) error {
	for start := 0; start < len(rows); start += writeBatchSize {
		end := start + writeBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		if _, err := r.db.NewInsert().Model(&chunk).Exec(ctx); err != nil {
			return fmt.Errorf("store: insert_batch at offset %d: %w", start, err)
		}
	}
	return nil
}

// Update applies patch to the row identified by id. Unknown/unlisted fields
// are left untouched (patch semantics, spec §9).
func (r *Repository[T]) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	if len(patch) == 0 {
		return nil
	}
	q := r.db.NewUpdate().Model((*T)(nil)).Where("id = ?", id)
	for col, val := range patch {
		q = q.Set("? = ?", bun.Ident(col), val)
	}
	_, err := q.Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	return nil
}

// Upsert inserts row, or on a matchField conflict updates the existing row
// with row's values (spec §4.3 upsert; used for IssuesArchive keyed on
// issue_id and for any entity whose natural key may already exist).
func (r *Repository[T]) Upsert(ctx context.Context, matchField string, row *T) error {
	_, err := r.db.NewInsert().
		Model(row).
		On(fmt.Sprintf("CONFLICT (%s) DO UPDATE", matchField)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert: %w", err)
	}
	return nil
}

// Delete removes the row identified by id (spec §9: sender drops an Issue
// from the working set once it has been archived).
func (r *Repository[T]) Delete(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().Model((*T)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: delete: %w", err)
	}
	return nil
}

// structToRow reflects a bun model struct (or pointer to one) into a
// map[string]interface{} keyed by its bun column name, preserving native Go
// value types (time.Time stays time.Time) so predicate evaluation can call
// methods like After directly. bun.BaseModel fields are skipped.
func structToRow(v interface{}) map[string]interface{} {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()

	row := make(map[string]interface{}, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.Type == reflect.TypeOf(bun.BaseModel{}) {
			continue
		}
		tag := field.Tag.Get("bun")
		if tag == "-" {
			continue
		}
		name := field.Name
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
		}

		fv := rv.Field(i)
		if fv.Kind() == reflect.Ptr {
			if fv.IsNil() {
				row[name] = nil
				continue
			}
			row[name] = fv.Elem().Interface()
			continue
		}
		row[name] = fv.Interface()
	}
	return row
}
