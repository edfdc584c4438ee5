package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/jsonrecover"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// ErrClaimHeld is returned by ClaimDigest while another run holds a live
// pending claim for the same period.
var ErrClaimHeld = apperr.New(apperr.Conflict, "claim digest", errors.New("period already has a pending digest"))

var digestColumns = []string{"id", "period_key", "period_type", "status", "generated_at", "body", "commentary"}

// DigestFilter narrows ListDigests. Zero values match everything complete.
type DigestFilter struct {
	PeriodType model.PeriodType
	Limit      int
}

// FindCompleteDigest returns the newest complete digest for the period that
// was generated at or after since.
func (s *Store) FindCompleteDigest(ctx context.Context, periodKey string, periodType model.PeriodType, since time.Time) (model.Digest, bool, error) {
	b := s.sb.Select(digestColumns...).From("digests").
		Where(sq.Eq{"period_key": periodKey, "period_type": string(periodType), "status": string(model.StatusComplete)}).
		Where(sq.GtOrEq{"generated_at": since.Unix()}).
		OrderBy("generated_at DESC", "id DESC").
		Limit(1)
	return s.getDigest(ctx, s.db, b)
}

// ClaimDigest records a pending digest for the period and returns its ID.
// Pending claims created before staleBefore are marked failed first so a
// crashed run cannot block the period forever.
func (s *Store) ClaimDigest(ctx context.Context, periodKey string, periodType model.PeriodType, now, staleBefore time.Time) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(q querier) error {
		_, err := s.exec(ctx, q, s.sb.Update("digests").
			Set("status", string(model.StatusFailed)).
			Where(sq.Eq{"period_key": periodKey, "period_type": string(periodType), "status": string(model.StatusPending)}).
			Where(sq.Lt{"generated_at": staleBefore.Unix()}))
		if err != nil {
			return fmt.Errorf("failed to expire stale claims: %w", err)
		}

		row, err := s.queryRow(ctx, q, s.sb.Insert("digests").
			Columns("period_key", "period_type", "status", "generated_at", "body").
			Values(periodKey, string(periodType), string(model.StatusPending), now.Unix(), "{}").
			Suffix("ON CONFLICT DO NOTHING RETURNING id"))
		if err != nil {
			return err
		}

		err = row.Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimHeld
		}
		if err != nil {
			return fmt.Errorf("failed to insert claim: %w", err)
		}
		return nil
	})
	return id, err
}

// CompleteDigest turns a pending claim into the authoritative digest in one
// transaction.
func (s *Store) CompleteDigest(ctx context.Context, id int64, body model.Body, generatedAt time.Time) error {
	encoded, err := jsonrecover.Encode(body)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(q querier) error {
		n, err := s.exec(ctx, q, s.sb.Update("digests").
			Set("status", string(model.StatusComplete)).
			Set("body", encoded).
			Set("generated_at", generatedAt.Unix()).
			Where(sq.Eq{"id": id, "status": string(model.StatusPending)}))
		if err != nil {
			return fmt.Errorf("failed to complete digest: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("digest %d is no longer pending", id)
		}
		return nil
	})
}

// FailDigest marks a pending claim as failed.
func (s *Store) FailDigest(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, s.sb.Update("digests").
		Set("status", string(model.StatusFailed)).
		Where(sq.Eq{"id": id, "status": string(model.StatusPending)}))
	if err != nil {
		return fmt.Errorf("failed to mark digest failed: %w", err)
	}
	return nil
}

// ReleaseDigest drops a pending claim that turned out to be unnecessary.
func (s *Store) ReleaseDigest(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, s.sb.Delete("digests").
		Where(sq.Eq{"id": id, "status": string(model.StatusPending)}))
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// LatestDigest returns the newest complete digest, optionally restricted to
// one period type.
func (s *Store) LatestDigest(ctx context.Context, periodType model.PeriodType) (model.Digest, bool, error) {
	b := s.sb.Select(digestColumns...).From("digests").
		Where(sq.Eq{"status": string(model.StatusComplete)}).
		OrderBy("generated_at DESC", "id DESC").
		Limit(1)
	if periodType != "" {
		b = b.Where(sq.Eq{"period_type": string(periodType)})
	}
	return s.getDigest(ctx, s.db, b)
}

// GetDigest retrieves a digest by ID, whatever its status.
func (s *Store) GetDigest(ctx context.Context, id int64) (model.Digest, bool, error) {
	return s.getDigest(ctx, s.db, s.sb.Select(digestColumns...).From("digests").Where(sq.Eq{"id": id}))
}

// ListDigests returns complete digests, newest first, without their bodies.
func (s *Store) ListDigests(ctx context.Context, f DigestFilter) ([]model.Digest, error) {
	b := s.sb.Select("id", "period_key", "period_type", "status", "generated_at", "commentary").
		From("digests").
		Where(sq.Eq{"status": string(model.StatusComplete)}).
		OrderBy("generated_at DESC", "id DESC")
	if f.PeriodType != "" {
		b = b.Where(sq.Eq{"period_type": string(f.PeriodType)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	rows, err := s.query(ctx, s.db, b)
	if err != nil {
		return nil, fmt.Errorf("failed to query digests: %w", err)
	}
	defer rows.Close()

	var digests []model.Digest
	for rows.Next() {
		var (
			d                  model.Digest
			periodType, status string
			generatedAt        int64
		)
		if err := rows.Scan(&d.ID, &d.PeriodKey, &periodType, &status, &generatedAt, &d.Commentary); err != nil {
			return nil, fmt.Errorf("failed to scan digest: %w", err)
		}
		d.PeriodType = model.PeriodType(periodType)
		d.Status = model.Status(status)
		d.GeneratedAt = unixToTime(generatedAt)
		digests = append(digests, d)
	}

	return digests, rows.Err()
}

// DeleteDigest removes a digest. It reports false when no such digest exists.
func (s *Store) DeleteDigest(ctx context.Context, id int64) (bool, error) {
	n, err := s.exec(ctx, s.db, s.sb.Delete("digests").Where(sq.Eq{"id": id}))
	if err != nil {
		return false, fmt.Errorf("failed to delete digest: %w", err)
	}
	return n > 0, nil
}

// SetCommentary attaches free-text commentary to a digest.
func (s *Store) SetCommentary(ctx context.Context, id int64, text string) (bool, error) {
	n, err := s.exec(ctx, s.db, s.sb.Update("digests").Set("commentary", text).Where(sq.Eq{"id": id}))
	if err != nil {
		return false, fmt.Errorf("failed to set commentary: %w", err)
	}
	return n > 0, nil
}

// EditDigestBody reads, modifies and rewrites a digest body in one
// transaction. It reports false when no such digest exists. Raw sections
// are written back unchanged.
func (s *Store) EditDigestBody(ctx context.Context, id int64, edit func(model.Body) error) (bool, error) {
	var found bool
	err := s.withTx(ctx, func(q querier) error {
		d, ok, err := s.getDigest(ctx, q, s.sb.Select(digestColumns...).From("digests").Where(sq.Eq{"id": id}))
		if err != nil || !ok {
			return err
		}
		found = true

		if err := edit(d.Body); err != nil {
			return err
		}

		encoded, err := jsonrecover.Encode(d.Body)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, q, s.sb.Update("digests").Set("body", encoded).Where(sq.Eq{"id": id}))
		if err != nil {
			return fmt.Errorf("failed to update digest body: %w", err)
		}
		return nil
	})
	return found, err
}

func (s *Store) getDigest(ctx context.Context, q querier, b sq.SelectBuilder) (model.Digest, bool, error) {
	row, err := s.queryRow(ctx, q, b)
	if err != nil {
		return model.Digest{}, false, err
	}

	var (
		d                  model.Digest
		periodType, status string
		generatedAt        int64
		body               string
	)
	err = row.Scan(&d.ID, &d.PeriodKey, &periodType, &status, &generatedAt, &body, &d.Commentary)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Digest{}, false, nil
	}
	if err != nil {
		return model.Digest{}, false, fmt.Errorf("failed to get digest: %w", err)
	}

	d.PeriodType = model.PeriodType(periodType)
	d.Status = model.Status(status)
	d.GeneratedAt = unixToTime(generatedAt)

	d.Body, err = s.decodeBody(d.ID, body)
	if err != nil {
		return model.Digest{}, false, err
	}
	return d, true, nil
}

func (s *Store) decodeBody(id int64, raw string) (model.Body, error) {
	body, diags, err := jsonrecover.Recover(raw)
	if err != nil {
		return nil, apperr.New(apperr.MalformedOuterPayload, fmt.Sprintf("read digest %d", id), err)
	}
	for _, d := range diags {
		s.log.Warn().Int64("digest_id", id).Str("category", d.Key).Err(d.Err).Msg("kept unreadable category raw")
	}
	return body, nil
}
