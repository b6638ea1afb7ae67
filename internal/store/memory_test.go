package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

func insert(t *testing.T, m *Memory, e sanctions.Entity, c sanctions.Children) int64 {
	t.Helper()
	ctx := context.Background()
	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	var id int64
	require.NoError(t, batch.Apply(ctx, func(w Writer) error {
		var err error
		id, err = w.InsertEntity(ctx, &e)
		if err != nil {
			return err
		}
		return w.ReplaceChildren(ctx, id, c)
	}))
	require.NoError(t, batch.Commit())
	return id
}

func TestMemory_CommitPublishes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	var id int64
	require.NoError(t, batch.Apply(ctx, func(w Writer) error {
		id, err = w.InsertEntity(ctx, &sanctions.Entity{Source: sanctions.SourceOFAC, SourceID: "1", Name: "John Doe"})
		return err
	}))

	_, err = m.GetEntity(ctx, id)
	assert.ErrorIs(t, err, apperrors.ErrEntityNotFound, "uncommitted writes are invisible")

	require.NoError(t, batch.Commit())
	got, err := m.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "John Doe", got.Name)
}

func TestMemory_FailedApplyDiscardsWrites(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	err = batch.Apply(ctx, func(w Writer) error {
		if _, err := w.InsertEntity(ctx, &sanctions.Entity{Source: sanctions.SourceUN, SourceID: "9", Name: "Ghost"}); err != nil {
			return err
		}
		return errors.New("child write failed")
	})
	require.Error(t, err)
	require.NoError(t, batch.Apply(ctx, func(w Writer) error {
		found, err := w.FindEntity(ctx, sanctions.SourceUN, "9")
		assert.Nil(t, found)
		return err
	}))
	require.NoError(t, batch.Commit())

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntities)
}

func TestMemory_RollbackDiscardsBatch(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Apply(ctx, func(w Writer) error {
		_, err := w.InsertEntity(ctx, &sanctions.Entity{Source: sanctions.SourceUN, SourceID: "1", Name: "A"})
		return err
	}))
	require.NoError(t, batch.Rollback())
	assert.ErrorIs(t, batch.Commit(), apperrors.ErrStoreUnavailable)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntities)
}

func TestMemory_DuplicateIdentityRejected(t *testing.T) {
	m := NewMemory()
	insert(t, m, sanctions.Entity{Source: sanctions.SourceOFAC, SourceID: "1", Name: "A"}, sanctions.Children{})

	ctx := context.Background()
	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	err = batch.Apply(ctx, func(w Writer) error {
		_, err := w.InsertEntity(ctx, &sanctions.Entity{Source: sanctions.SourceOFAC, SourceID: "1", Name: "B"})
		return err
	})
	assert.Error(t, err)
}

func TestMemory_UpdateKeepsFirstSeen(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := insert(t, m, sanctions.Entity{
		Source: sanctions.SourceOFAC, SourceID: "1", Name: "A", FirstSeenAt: first,
	}, sanctions.Children{Aliases: []sanctions.Alias{{Name: "AA", Quality: "STRONG"}}})

	batch, err := m.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.Apply(ctx, func(w Writer) error {
		e, err := w.FindEntity(ctx, sanctions.SourceOFAC, "1")
		require.NoError(t, err)
		require.NotNil(t, e)
		e.Name = "A Renamed"
		e.FirstSeenAt = time.Now()
		e.Status = sanctions.StatusUpdated
		return w.UpdateEntity(ctx, e)
	}))
	require.NoError(t, batch.Commit())

	got, err := m.GetEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "A Renamed", got.Name)
	assert.Equal(t, first, got.FirstSeenAt)
	assert.Len(t, got.Aliases, 1, "update leaves children alone")
}

func TestMemory_Candidates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	listed := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	insert(t, m, sanctions.Entity{
		Source: sanctions.SourceOFAC, SourceID: "1", Name: "John Doe", Kind: sanctions.KindIndividual,
		Status: sanctions.StatusActive, ListingDate: &listed,
	}, sanctions.Children{Nationalities: []string{"Iran"}})
	insert(t, m, sanctions.Entity{
		Source: sanctions.SourceUN, SourceID: "2", Name: "Acme Trading", Kind: sanctions.KindOrganization,
		Status: sanctions.StatusActive,
	}, sanctions.Children{Aliases: []sanctions.Alias{{Name: "Johnson Holdings", Quality: "WEAK"}}})

	got, err := m.Candidates(ctx, []string{"JOHN"}, sanctions.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Less(t, got[0].ID, got[1].ID)

	got, err = m.Candidates(ctx, []string{"john"}, sanctions.Filter{Country: "iran"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "John Doe", got[0].Name)

	got, err = m.Candidates(ctx, []string{"john"}, sanctions.Filter{Source: sanctions.SourceUN})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Acme Trading", got[0].Name)

	got, err = m.Candidates(ctx, []string{""}, sanctions.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_RunLedger(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	open := func(id string, source sanctions.Source, at time.Time) {
		require.NoError(t, m.OpenRun(ctx, &sanctions.IngestionRun{ID: id, Source: source, Trigger: sanctions.TriggerManual, StartedAt: at}))
	}
	open("r1", sanctions.SourceOFAC, base)
	open("r2", sanctions.SourceOFAC, base.Add(time.Hour))
	open("r3", sanctions.SourceUN, base.Add(2*time.Hour))

	require.NoError(t, m.CloseRun(ctx, "r1", sanctions.RunResult{Status: sanctions.RunSuccess, FinishedAt: base.Add(time.Minute), RecordsAdded: 5}))
	require.NoError(t, m.CloseRun(ctx, "r2", sanctions.RunResult{Status: sanctions.RunFailed, FinishedAt: base.Add(61 * time.Minute), ErrorSummary: "boom"}))

	assert.ErrorIs(t, m.CloseRun(ctx, "r1", sanctions.RunResult{Status: sanctions.RunFailed}), apperrors.ErrRunClosed)
	assert.ErrorIs(t, m.CloseRun(ctx, "nope", sanctions.RunResult{}), apperrors.ErrRunNotFound)

	last, err := m.LastSuccessful(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "r1", last.ID)
	assert.Equal(t, 5, last.RecordsAdded)

	started, err := m.LastStarted(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, "r2", started.ID)

	none, err := m.LastSuccessful(ctx, sanctions.SourceUN)
	require.NoError(t, err)
	assert.Nil(t, none)

	recent, err := m.RecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "r3", recent[0].ID)
	assert.Equal(t, "r2", recent[1].ID)

	since, err := m.RunsSince(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, since, 2)

	openRuns, err := m.OpenRuns(ctx, sanctions.SourceUN)
	require.NoError(t, err)
	require.Len(t, openRuns, 1)
	assert.Equal(t, "r3", openRuns[0].ID)
	closed, err := m.OpenRuns(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Empty(t, closed)

	run, err := m.GetRun(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunInProgress, run.Status)
}
