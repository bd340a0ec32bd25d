package references

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	notes []Notification
}

func (r *recordingNotifier) Notify(n Notification) {
	r.notes = append(r.notes, n)
}

func newTestReconciler(t *testing.T) (*Reconciler, *Ledger, *recordingNotifier) {
	ledger := newTestLedger()
	notes := &recordingNotifier{}
	return NewReconciler(ledger, notes, zaptest.NewLogger(t)), ledger, notes
}

func TestSingleUploadCreatedScenario(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)

	snapshot := ledger.AppendBatch(descriptors("paper.pdf"))
	require.Len(t, snapshot, 1)
	assert.Equal(t, StatusLoading, snapshot[0].Status)

	outcome := rec.OnServerEvent([]byte(`{"created_citation":{"id":"c1","fields":{"title":"Deep Nets"}}}`))
	assert.Equal(t, OutcomeFinalized, outcome)

	snapshot = ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "c1", snapshot[0].ID)
	assert.Equal(t, "Deep Nets", snapshot[0].Title())
	assert.Empty(t, notes.notes)
}

func TestTwoUploadsOneDuplicateScenario(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf"))

	outcome := rec.OnServerEvent([]byte(`{"dupe_citation":{"fields":{"title":"Old Paper"}}}`))
	assert.Equal(t, OutcomeRemoved, outcome)

	// First-match policy: the first placeholder goes, whichever file it was.
	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "b.pdf", snapshot[0].FileName)
	assert.Equal(t, StatusLoading, snapshot[0].Status)

	require.Len(t, notes.notes, 1)
	note := notes.notes[0]
	assert.Contains(t, note.Message, "Old Paper")
	assert.Equal(t, PositionTopCenter, note.Position)
	assert.Equal(t, 5*time.Second, note.AutoClose)
	assert.Equal(t, ThemeBlue, note.ProgressColor)

	outcome = rec.OnServerEvent([]byte(`{"created_citation":{"id":"c2","fields":{"title":"New Paper"}}}`))
	assert.Equal(t, OutcomeFinalized, outcome)
	snapshot = ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "New Paper", snapshot[0].Title())
	assert.Zero(t, ledger.Pending())
}

func TestDuplicateUsesCorrelationIDWhenPresent(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf"))

	rec.OnServerEvent([]byte(`{"dupe_citation":{"fields":{"title":"B"}},"correlation_id":"p2"}`))
	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "a.pdf", snapshot[0].FileName)
}

func TestCreatedUsesCorrelationIDWhenPresent(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf"))

	rec.OnServerEvent([]byte(`{"created_citation":{"id":"c2","fields":{"title":"B"}},"correlation_id":"p2"}`))
	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, StatusLoading, snapshot[0].Status)
	assert.Equal(t, "c2", snapshot[1].ID)
}

func TestSinglePaperScenarioWithBareRecord(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	ledger.AppendBatch(descriptors("paper.pdf"))

	outcome := rec.OnServerEvent([]byte(`{"created_citation":{"fields":{"title":"Paper"}}}`))
	assert.Equal(t, OutcomeFinalized, outcome)

	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, StatusFinalized, snapshot[0].Status)
	assert.Equal(t, "p1", snapshot[0].ID)
	assert.Equal(t, "Paper", snapshot[0].Title())
	assert.JSONEq(t, `{"fields":{"title":"Paper"}}`, string(snapshot[0].Record.Raw))
}

func TestCreatedRecordWithForeignFieldShapes(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	ledger.AppendBatch(descriptors("paper.pdf"))

	outcome := rec.OnServerEvent([]byte(`{"created_citation":{"id":"c1","fields":{"title":"Paper","creators":[{"first_name":"Ada"}]},"created_date":"yesterday"}}`))
	assert.Equal(t, OutcomeFinalized, outcome)
	assert.Equal(t, "Paper", ledger.Snapshot()[0].Title())
}

func TestDuplicateFlagReadsTitleFromCreatedRecord(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf"))

	outcome := rec.OnServerEvent([]byte(`{"dupe_citation":true,"created_citation":{"id":"c9","fields":{"title":"Old Paper"}}}`))
	assert.Equal(t, OutcomeRemoved, outcome)
	assert.Equal(t, 1, ledger.Pending())
	require.Len(t, notes.notes, 1)
	assert.Equal(t, "Citation for Old Paper already exists!", notes.notes[0].Message)
}

func TestEventsForOtherSessionsLeaveSlotsAlone(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf"))

	outcome := rec.OnServerEvent([]byte(`{"created_citation":{"id":"cx","fields":{"title":"Foreign"}},"correlation_id":"other-tab"}`))
	assert.Equal(t, OutcomeIgnored, outcome)
	outcome = rec.OnServerEvent([]byte(`{"dupe_citation":{"fields":{"title":"Elsewhere"}},"correlation_id":"other-tab"}`))
	assert.Equal(t, OutcomeNotified, outcome)
	require.Len(t, notes.notes, 1)

	outcome = rec.OnServerEvent([]byte(`{"created_citation":{"id":"c1","fields":{"title":"A"}},"correlation_id":"p1"}`))
	assert.Equal(t, OutcomeFinalized, outcome)

	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a.pdf", snapshot[0].FileName)
	assert.Equal(t, "A", snapshot[0].Title())
	assert.Equal(t, "b.pdf", snapshot[1].FileName)
	assert.Equal(t, StatusLoading, snapshot[1].Status)
}

func TestDuplicateWithoutPlaceholderOnlyNotifies(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)
	ledger.Seed(nil)

	outcome := rec.OnServerEvent([]byte(`{"dupe_citation":{"fields":{"title":"Ghost"}}}`))
	assert.Equal(t, OutcomeNotified, outcome)
	assert.Zero(t, ledger.Len())
	require.Len(t, notes.notes, 1)
	assert.Equal(t, "Citation for Ghost already exists!", notes.notes[0].Message)
}

func TestCreatedWithoutPlaceholderIsIgnored(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	outcome := rec.OnServerEvent([]byte(`{"created_citation":{"id":"c1","fields":{"title":"T"}}}`))
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Zero(t, ledger.Len())
}

func TestMalformedPayloadLeavesLedgerUnchanged(t *testing.T) {
	rec, ledger, notes := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf"))
	before := ledger.Snapshot()

	for _, payload := range []string{`{`, `"str"`, `{"foo":1}`, `{"dupe_citation":{"fields":{"title":5}}}`} {
		assert.Equal(t, OutcomeDropped, rec.OnServerEvent([]byte(payload)))
	}
	assert.Equal(t, before, ledger.Snapshot())
	assert.Empty(t, notes.notes)
	assert.Equal(t, int64(4), rec.Stats().Dropped)
}

func TestPanickingNotifierDoesNotEscape(t *testing.T) {
	ledger := newTestLedger()
	rec := NewReconciler(ledger, NotifierFunc(func(Notification) { panic("boom") }), zaptest.NewLogger(t))
	ledger.AppendBatch(descriptors("a.pdf"))

	assert.NotPanics(t, func() {
		outcome := rec.OnServerEvent([]byte(`{"dupe_citation":{"fields":{"title":"X"}}}`))
		assert.Equal(t, OutcomeDropped, outcome)
	})
}

type sliceSource struct {
	frames [][]byte
	err    error
}

func (s *sliceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.frames) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	next := s.frames[0]
	s.frames = s.frames[1:]
	return next, nil
}

func TestRunAppliesEventsInOrder(t *testing.T) {
	rec, ledger, _ := newTestReconciler(t)
	ledger.AppendBatch(descriptors("a.pdf", "b.pdf", "c.pdf"))

	src := &sliceSource{frames: [][]byte{
		[]byte(`{"created_citation":{"id":"c1","fields":{"title":"One"}}}`),
		[]byte(`not json`),
		[]byte(`{"dupe_citation":{"fields":{"title":"Two"}}}`),
		[]byte(`{"created_citation":{"id":"c3","fields":{"title":"Three"}}}`),
	}}
	require.NoError(t, rec.Run(context.Background(), src))

	snapshot := ledger.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "c1", snapshot[0].ID)
	assert.Equal(t, "c3", snapshot[1].ID)

	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.Finalized)
	assert.Equal(t, int64(1), stats.Removed)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestRunReturnsSourceErrors(t *testing.T) {
	rec, _, _ := newTestReconciler(t)
	sentinel := errors.New("socket reset")
	err := rec.Run(context.Background(), &sliceSource{err: sentinel})
	assert.ErrorIs(t, err, sentinel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rec.Run(ctx, &sliceSource{}), context.Canceled)
}
