package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

var itemColumns = []string{
	"i.id", "i.source_id", "i.title", "i.url", "i.published", "i.summary",
	"i.content", "i.author", "i.created_at", "s.name", "s.category",
}

func (s *Store) selectItems() sq.SelectBuilder {
	return s.sb.Select(itemColumns...).
		From("items i").
		Join("sources s ON s.id = i.source_id")
}

// ItemExists reports whether an item with the given URL is stored.
func (s *Store) ItemExists(ctx context.Context, url string) (bool, error) {
	row, err := s.queryRow(ctx, s.db, s.sb.Select("1").From("items").Where(sq.Eq{"url": url}).Limit(1))
	if err != nil {
		return false, err
	}

	var one int
	err = row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check item: %w", err)
	}
	return true, nil
}

// SaveItem inserts an item in its own transaction. It reports false when an
// item with the same URL already exists; the stored item is left untouched.
func (s *Store) SaveItem(ctx context.Context, it *model.Item) (bool, error) {
	if err := it.Validate(); err != nil {
		return false, err
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}

	var inserted bool
	err := s.withTx(ctx, func(q querier) error {
		b := s.sb.Insert("items").
			Columns("source_id", "title", "url", "published", "summary", "content", "author", "created_at").
			Values(it.SourceID, it.Title, it.URL, it.Published.Unix(), it.Summary, it.Content, it.Author, it.CreatedAt.Unix()).
			Suffix("ON CONFLICT (url) DO NOTHING RETURNING id")

		row, err := s.queryRow(ctx, q, b)
		if err != nil {
			return err
		}

		err = row.Scan(&it.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, id int64) (model.Item, bool, error) {
	row, err := s.queryRow(ctx, s.db, s.selectItems().Where(sq.Eq{"i.id": id}))
	if err != nil {
		return model.Item{}, false, err
	}

	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Item{}, false, nil
	}
	if err != nil {
		return model.Item{}, false, fmt.Errorf("failed to get item: %w", err)
	}
	return it, true, nil
}

// ItemsSince returns items published at or after since, ordered by category
// name, then newest first within each category.
func (s *Store) ItemsSince(ctx context.Context, since time.Time) ([]model.Item, error) {
	b := s.selectItems().
		Where(sq.GtOrEq{"i.published": since.Unix()}).
		OrderBy("s.category ASC", "i.published DESC", "i.id DESC")
	return s.listItems(ctx, b)
}

// ListItems retrieves items with optional filtering and pagination, newest
// first.
func (s *Store) ListItems(ctx context.Context, opts QueryOptions) ([]model.Item, error) {
	b := s.selectItems()

	if opts.SinceTime != nil {
		b = b.Where(sq.GtOrEq{"i.published": *opts.SinceTime})
	}
	if opts.SourceID != 0 {
		b = b.Where(sq.Eq{"i.source_id": opts.SourceID})
	}
	if opts.Category != "" {
		b = b.Where(sq.Eq{"s.category": opts.Category})
	}

	b = b.OrderBy("i.published DESC", "i.id DESC")

	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		b = b.Offset(uint64(opts.Offset))
	}

	return s.listItems(ctx, b)
}

func (s *Store) listItems(ctx context.Context, b sq.SelectBuilder) ([]model.Item, error) {
	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}

	return items, rows.Err()
}

// DeleteItemsOlderThan removes items published before cutoff and returns how
// many were removed.
func (s *Store) DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.exec(ctx, s.db, s.sb.Delete("items").Where(sq.Lt{"published": cutoff.Unix()}))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old items: %w", err)
	}
	return n, nil
}

// DeleteItem removes one item. It reports false when no such item exists.
func (s *Store) DeleteItem(ctx context.Context, id int64) (bool, error) {
	n, err := s.exec(ctx, s.db, s.sb.Delete("items").Where(sq.Eq{"id": id}))
	if err != nil {
		return false, fmt.Errorf("failed to delete item: %w", err)
	}
	return n > 0, nil
}

func scanItem(sc scanner) (model.Item, error) {
	var (
		it                   model.Item
		published, createdAt int64
	)
	err := sc.Scan(&it.ID, &it.SourceID, &it.Title, &it.URL, &published, &it.Summary,
		&it.Content, &it.Author, &createdAt, &it.SourceName, &it.Category)
	if err != nil {
		return model.Item{}, err
	}
	it.Published = unixToTime(published)
	it.CreatedAt = unixToTime(createdAt)
	return it, nil
}
