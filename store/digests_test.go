package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

func sampleBody() model.Body {
	return model.Body{
		"Malware": model.ResultSection(model.CategoryResult{
			SectionTitle: "Malware",
			Summary:      "Loader activity.",
			ActionableTasks: []model.Task{
				{Task: "Block", Description: "Block hashes."},
				{Task: "Hunt", Description: "Hunt persistence."},
			},
		}),
	}
}

func completeDigest(t *testing.T, s *Store, key string, pt model.PeriodType, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := s.ClaimDigest(ctx, key, pt, at, at.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CompleteDigest(ctx, id, sampleBody(), at))
	return id
}

func TestStore_ClaimAndComplete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	id, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, now, now.Add(-30*time.Minute))
	require.NoError(t, err)

	pending, ok, err := s.GetDigest(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, pending.Status)

	// pending digests are never served as complete
	_, ok, err = s.FindCompleteDigest(ctx, "2024-03-10", model.Daily, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CompleteDigest(ctx, id, sampleBody(), now.Add(time.Minute)))

	got, ok, err := s.FindCompleteDigest(ctx, "2024-03-10", model.Daily, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, model.StatusComplete, got.Status)
	assert.True(t, now.Add(time.Minute).Equal(got.GeneratedAt))
	require.Contains(t, got.Body, "Malware")
	assert.Equal(t, "Loader activity.", got.Body["Malware"].Result.Summary)

	// completing twice is refused
	assert.Error(t, s.CompleteDigest(ctx, id, sampleBody(), now))
}

func TestStore_ClaimDigest_Exclusive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	first, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, now, now.Add(-30*time.Minute))
	require.NoError(t, err)

	_, err = s.ClaimDigest(ctx, "2024-03-10", model.Daily, now.Add(time.Minute), now.Add(-29*time.Minute))
	assert.ErrorIs(t, err, ErrClaimHeld)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	// a different period type is independent
	_, err = s.ClaimDigest(ctx, "2024-03-10", model.Weekly, now, now.Add(-30*time.Minute))
	require.NoError(t, err)

	// once the claim is stale it is failed and replaced
	later := now.Add(time.Hour)
	second, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, later, later.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	stale, _, err := s.GetDigest(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stale.Status)
}

func TestStore_FailAndReleaseDigest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	id, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, now, now)
	require.NoError(t, err)
	require.NoError(t, s.FailDigest(ctx, id))

	d, _, err := s.GetDigest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, d.Status)

	// a failed claim frees the period
	id2, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, now, now)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseDigest(ctx, id2))

	_, ok, err := s.GetDigest(ctx, id2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_FindCompleteDigest_Window(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)

	id := completeDigest(t, s, "2024-03-10", model.Daily, at)

	got, ok, err := s.FindCompleteDigest(ctx, "2024-03-10", model.Daily, at.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got.ID)

	_, ok, err = s.FindCompleteDigest(ctx, "2024-03-10", model.Daily, at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.FindCompleteDigest(ctx, "2024-03-10", model.Weekly, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_LatestAndListDigests(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 3, 8, 6, 0, 0, 0, time.UTC)

	_, ok, err := s.LatestDigest(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	d1 := completeDigest(t, s, "2024-03-08", model.Daily, base)
	w1 := completeDigest(t, s, "2024-03-09", model.Weekly, base.Add(24*time.Hour))
	d2 := completeDigest(t, s, "2024-03-10", model.Daily, base.Add(48*time.Hour))

	latest, ok, err := s.LatestDigest(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, d2, latest.ID)

	latestWeekly, ok, err := s.LatestDigest(ctx, model.Weekly)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w1, latestWeekly.ID)

	all, err := s.ListDigests(ctx, DigestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{d2, w1, d1}, []int64{all[0].ID, all[1].ID, all[2].ID})
	assert.Nil(t, all[0].Body)

	daily, err := s.ListDigests(ctx, DigestFilter{PeriodType: model.Daily, Limit: 1})
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, d2, daily[0].ID)
}

func TestStore_DigestEdits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := completeDigest(t, s, "2024-03-10", model.Daily, time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC))

	ok, err := s.SetCommentary(ctx, id, "Quiet week.")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.EditDigestBody(ctx, id, func(b model.Body) error {
		return b.DeleteTask("Malware", 0)
	})
	require.NoError(t, err)
	assert.True(t, ok)

	d, _, err := s.GetDigest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Quiet week.", d.Commentary)
	assert.Equal(t, []model.Task{{Task: "Hunt", Description: "Hunt persistence."}}, d.Body["Malware"].Result.ActionableTasks)

	// a failing edit leaves the body untouched
	_, err = s.EditDigestBody(ctx, id, func(b model.Body) error {
		return b.DeleteTask("Malware", 5)
	})
	assert.Error(t, err)

	ok, err = s.EditDigestBody(ctx, 9999, func(model.Body) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.DeleteDigest(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = s.GetDigest(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_GetDigest_MalformedBody(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := completeDigest(t, s, "2024-03-10", model.Daily, time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC))

	_, err := s.db.ExecContext(ctx, "UPDATE digests SET body = ? WHERE id = ?", "not json", id)
	require.NoError(t, err)

	_, _, err = s.GetDigest(ctx, id)
	require.Error(t, err)
	assert.Equal(t, apperr.MalformedOuterPayload, apperr.KindOf(err))
}

func TestStore_DigestEdits_KeepBackslashes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)

	summary := `Dropper writes C:\Users\Public\new.exe and HKLM\Software\Run`
	body := model.Body{
		"Malware": model.ResultSection(model.CategoryResult{
			SectionTitle: "Droppers",
			Summary:      summary,
			ActionableTasks: []model.Task{
				{Task: "Block", Description: `Quarantine C:\temp\new.dll`},
				{Task: "Hunt", Description: `Check HKCU\Software\Run\"updater"`},
			},
		}),
	}

	id, err := s.ClaimDigest(ctx, "2024-03-10", model.Daily, at, at.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, s.CompleteDigest(ctx, id, body, at))

	_, err = s.SetCommentary(ctx, id, "Reviewed.")
	require.NoError(t, err)
	ok, err := s.EditDigestBody(ctx, id, func(b model.Body) error {
		return b.DeleteTask("Malware", 0)
	})
	require.NoError(t, err)
	require.True(t, ok)

	d, _, err := s.GetDigest(ctx, id)
	require.NoError(t, err)
	r := d.Body["Malware"].Result
	require.NotNil(t, r)
	assert.Equal(t, summary, r.Summary)
	assert.Equal(t, []model.Task{{Task: "Hunt", Description: `Check HKCU\Software\Run\"updater"`}}, r.ActionableTasks)
}
