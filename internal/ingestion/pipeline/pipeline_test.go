package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter/ofac"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter/un"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/reconcile"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
)

const feedURL = "http://feeds.test/sdn.xml"

type stubFetcher struct {
	body  []byte
	err   error
	calls int
}

func (s *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	s.calls++
	if url != feedURL {
		return nil, fmt.Errorf("unexpected url %s", url)
	}
	return s.body, s.err
}

func ofacFeed(n int, missingUID map[int]bool) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><sdnList>`)
	for i := 1; i <= n; i++ {
		b.WriteString("<sdnEntry>")
		if !missingUID[i] {
			fmt.Fprintf(&b, "<uid>%d</uid>", i)
		}
		fmt.Fprintf(&b, "<lastName>PERSON %d</lastName><sdnType>Individual</sdnType>", i)
		b.WriteString("<programList><program>SDGT</program></programList></sdnEntry>")
	}
	b.WriteString("</sdnList>")
	return []byte(b.String())
}

type harness struct {
	store   *store.Memory
	fetcher *stubFetcher
	runner  *Runner
}

func newHarness(body []byte) *harness {
	mem := store.NewMemory()
	f := &stubFetcher{body: body}
	runner := New(
		f,
		mem,
		adapter.NewRegistry(ofac.New(), un.New()),
		reconcile.New(mem, 10, nil, nil),
		map[sanctions.Source]string{sanctions.SourceOFAC: feedURL},
		nil,
	)
	return &harness{store: mem, fetcher: f, runner: runner}
}

// recordSuccess writes a SUCCESS run carrying out's fingerprint, the way the
// orchestrator closes a run.
func (h *harness) recordSuccess(t *testing.T, id string, out *Outcome) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.OpenRun(ctx, &sanctions.IngestionRun{
		ID: id, Source: sanctions.SourceOFAC, Trigger: sanctions.TriggerManual, StartedAt: time.Now(),
	}))
	require.NoError(t, h.store.CloseRun(ctx, id, sanctions.RunResult{
		Status: sanctions.RunSuccess, FinishedAt: time.Now(), FeedFingerprint: out.FeedFingerprint,
	}))
}

func TestExecute_SecondRunOnSameFeedIsNoChange(t *testing.T) {
	h := newHarness(ofacFeed(3, nil))
	ctx := context.Background()

	first, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunSuccess, first.Status)
	assert.Equal(t, 3, first.Added)
	h.recordSuccess(t, "run-1", first)

	second, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunNoChange, second.Status)
	assert.Equal(t, first.FeedFingerprint, second.FeedFingerprint)
	assert.Zero(t, second.Added)
	assert.Zero(t, second.Updated)
}

func TestExecute_OneByteChangeReprocesses(t *testing.T) {
	body := ofacFeed(2, nil)
	h := newHarness(body)
	ctx := context.Background()

	first, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	h.recordSuccess(t, "run-1", first)

	changed := append([]byte(nil), body...)
	changed = append(changed, '\n')
	h.fetcher.body = changed

	second, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunSuccess, second.Status)
	assert.NotEqual(t, first.FeedFingerprint, second.FeedFingerprint)
	assert.Equal(t, 2, second.Updated)
	assert.Equal(t, 2, second.Unchanged)
}

func TestExecute_FailedRunsDoNotSuppressReprocessing(t *testing.T) {
	h := newHarness(ofacFeed(1, nil))
	ctx := context.Background()

	first, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	require.NoError(t, h.store.OpenRun(ctx, &sanctions.IngestionRun{ID: "failed", Source: sanctions.SourceOFAC, StartedAt: time.Now()}))
	require.NoError(t, h.store.CloseRun(ctx, "failed", sanctions.RunResult{
		Status: sanctions.RunFailed, FeedFingerprint: first.FeedFingerprint,
	}))

	again, err := h.runner.Execute(ctx, sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunSuccess, again.Status)
}

func TestExecute_PartialFailure(t *testing.T) {
	h := newHarness(ofacFeed(100, map[int]bool{10: true, 50: true, 90: true}))

	out, err := h.runner.Execute(context.Background(), sanctions.SourceOFAC)
	require.NoError(t, err)
	assert.Equal(t, sanctions.RunSuccess, out.Status)
	assert.Equal(t, 97, out.Added)
	require.Len(t, out.RecordErrors, 3)
	assert.Len(t, strings.Split(out.Summary(), "\n"), 3)

	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 97, st.TotalEntities)
}

func TestExecute_NetworkFailureWritesNothing(t *testing.T) {
	h := newHarness(nil)
	h.fetcher.err = fmt.Errorf("%w: connection refused", apperrors.ErrNetwork)

	_, err := h.runner.Execute(context.Background(), sanctions.SourceOFAC)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.True(t, apperrors.IsRunFailure(err))

	st, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.TotalEntities)
}

func TestExecute_StructureError(t *testing.T) {
	h := newHarness([]byte(`<html><body>maintenance</body></html>`))
	out, err := h.runner.Execute(context.Background(), sanctions.SourceOFAC)
	assert.ErrorIs(t, err, apperrors.ErrParseStructure)
	assert.NotEmpty(t, out.FeedFingerprint)
}

func TestExecute_ZeroRecordsIsSchemaDrift(t *testing.T) {
	h := newHarness([]byte(`<sdnList><publshInformation/></sdnList>`))
	_, err := h.runner.Execute(context.Background(), sanctions.SourceOFAC)
	assert.ErrorIs(t, err, apperrors.ErrSchemaDrift)
}

func TestExecute_UnknownSourceURL(t *testing.T) {
	h := newHarness(nil)
	_, err := h.runner.Execute(context.Background(), sanctions.SourceUN)
	assert.ErrorIs(t, err, apperrors.ErrUnknownSource)
	assert.Zero(t, h.fetcher.calls)
}

type abortingReconciler struct{}

func (abortingReconciler) Reconcile(context.Context, sanctions.Source, []sanctions.CanonicalRecord) (*reconcile.Result, error) {
	return &reconcile.Result{Added: 4, Errors: []string{"record 9: bad"}},
		&reconcile.Error{Source: sanctions.SourceOFAC, Processed: 5, Err: errors.New("commit failed")}
}

func TestExecute_ReconciliationFailureKeepsCounts(t *testing.T) {
	mem := store.NewMemory()
	runner := New(
		&stubFetcher{body: ofacFeed(5, nil)},
		mem,
		adapter.NewRegistry(ofac.New()),
		abortingReconciler{},
		map[sanctions.Source]string{sanctions.SourceOFAC: feedURL},
		nil,
	)
	out, err := runner.Execute(context.Background(), sanctions.SourceOFAC)
	assert.ErrorIs(t, err, apperrors.ErrReconciliation)
	assert.Equal(t, 4, out.Added)
	assert.Equal(t, []string{"record 9: bad"}, out.RecordErrors)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "", Summarize(nil))
	assert.Equal(t, "a\nb", Summarize([]string{"a", "b"}))

	msgs := make([]string, 53)
	for i := range msgs {
		msgs[i] = fmt.Sprintf("e%d", i)
	}
	got := Summarize(msgs)
	lines := strings.Split(got, "\n")
	require.Len(t, lines, MaxSummaryErrors+1)
	assert.Equal(t, "e49", lines[MaxSummaryErrors-1])
	assert.Equal(t, "... and 3 more", lines[MaxSummaryErrors])
}
