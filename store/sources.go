package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// ErrSourceInUse is returned when deleting a source that still owns items.
var ErrSourceInUse = apperr.New(apperr.Conflict, "delete source", errors.New("source still has items"))

var sourceColumns = []string{"id", "url", "name", "category", "active"}

// UpsertSource inserts a source, or updates the name and category of the
// source with the same URL. The active flag of an existing source is left
// alone. The source ID is set on return.
func (s *Store) UpsertSource(ctx context.Context, src *model.Source) error {
	if err := src.Validate(); err != nil {
		return err
	}
	if src.Category == "" {
		src.Category = model.DefaultCategory
	}

	b := s.sb.Insert("sources").
		Columns("url", "name", "category", "active").
		Values(src.URL, src.Name, src.Category, boolToInt(src.Active)).
		Suffix("ON CONFLICT (url) DO UPDATE SET name = excluded.name, category = excluded.category RETURNING id, active")

	row, err := s.queryRow(ctx, s.db, b)
	if err != nil {
		return err
	}

	var active int
	if err := row.Scan(&src.ID, &active); err != nil {
		return fmt.Errorf("failed to upsert source: %w", err)
	}
	src.Active = intToBool(active)
	return nil
}

// GetSource retrieves a source by ID.
func (s *Store) GetSource(ctx context.Context, id int64) (model.Source, bool, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": id}))
	if err != nil {
		return model.Source{}, false, err
	}

	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Source{}, false, nil
	}
	if err != nil {
		return model.Source{}, false, fmt.Errorf("failed to get source: %w", err)
	}
	return src, true, nil
}

// ListSources returns sources ordered by category then name.
func (s *Store) ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error) {
	b := s.sb.Select(sourceColumns...).From("sources").OrderBy("category", "name", "id")
	if activeOnly {
		b = b.Where(sq.Eq{"active": 1})
	}

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}

	return sources, rows.Err()
}

// SetSourceActive toggles whether a source is collected. It reports false
// when no such source exists.
func (s *Store) SetSourceActive(ctx context.Context, id int64, active bool) (bool, error) {
	n, err := s.exec(ctx, s.db, s.sb.Update("sources").Set("active", boolToInt(active)).Where(sq.Eq{"id": id}))
	if err != nil {
		return false, fmt.Errorf("failed to update source: %w", err)
	}
	return n > 0, nil
}

// DeleteSource removes a source that no items reference. It reports false
// when no such source exists and returns ErrSourceInUse while items remain.
func (s *Store) DeleteSource(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(q querier) error {
		row, err := s.queryRow(ctx, q, s.sb.Select("COUNT(*)").From("items").Where(sq.Eq{"source_id": id}))
		if err != nil {
			return err
		}
		var count int64
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("failed to count items: %w", err)
		}
		if count > 0 {
			return ErrSourceInUse
		}

		n, err := s.exec(ctx, q, s.sb.Delete("sources").Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("failed to delete source: %w", err)
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(sc scanner) (model.Source, error) {
	var (
		src    model.Source
		active int
	)
	if err := sc.Scan(&src.ID, &src.URL, &src.Name, &src.Category, &active); err != nil {
		return model.Source{}, err
	}
	src.Active = intToBool(active)
	return src, nil
}
