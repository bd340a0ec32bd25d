package references

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"refmanager/api/internal/events"
)

func newTestLedger() *Ledger {
	l := NewLedger()
	n := 0
	l.newID = func() string {
		n++
		return fmt.Sprintf("p%d", n)
	}
	return l
}

func descriptors(names ...string) []FileDescriptor {
	out := make([]FileDescriptor, len(names))
	for i, name := range names {
		out[i] = FileDescriptor{Name: name}
	}
	return out
}

func TestAppendBatchAddsOnePlaceholderPerFile(t *testing.T) {
	l := newTestLedger()
	snapshot := l.AppendBatch(descriptors("a.pdf", "b.pdf", "c.pdf"))

	require.Len(t, snapshot, 3)
	seen := map[string]bool{}
	for i, e := range snapshot {
		assert.Equal(t, StatusLoading, e.Status)
		assert.True(t, e.Placeholder)
		assert.False(t, seen[e.ID], "duplicate placeholder id %s", e.ID)
		seen[e.ID] = true
		assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}[i], e.FileName)
	}
	assert.Equal(t, 3, l.Pending())
}

func TestAppendBatchEmptyIsNoop(t *testing.T) {
	l := newTestLedger()
	calls := 0
	l.Subscribe(func([]Entry) { calls++ })
	assert.Empty(t, l.AppendBatch(nil))
	assert.Zero(t, calls)
}

func TestReplaceFirstPlaceholderPicksEarliestLoading(t *testing.T) {
	l := newTestLedger()
	l.AppendBatch(descriptors("a.pdf", "b.pdf"))

	entry, ok := l.ReplaceFirstPlaceholder(events.Citation{ID: "c1", Fields: events.Fields{Title: "A"}})
	require.True(t, ok)
	assert.Equal(t, "c1", entry.ID)

	snapshot := l.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, StatusFinalized, snapshot[0].Status)
	assert.Equal(t, "A", snapshot[0].Title())
	assert.Equal(t, StatusLoading, snapshot[1].Status)

	// The next replacement skips the finalized entry.
	_, ok = l.ReplaceFirstPlaceholder(events.Citation{ID: "c2"})
	require.True(t, ok)
	assert.Equal(t, "c2", l.Snapshot()[1].ID)
	assert.Zero(t, l.Pending())
}

func TestFirstPlaceholderOperationsWithoutPlaceholders(t *testing.T) {
	l := newTestLedger()
	l.Seed([]events.Citation{{ID: "existing"}})

	_, ok := l.RemoveFirstPlaceholder()
	assert.False(t, ok)
	_, ok = l.ReplaceFirstPlaceholder(events.Citation{ID: "x"})
	assert.False(t, ok)

	snapshot := l.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "existing", snapshot[0].ID)
}

func TestIdentityOperations(t *testing.T) {
	l := newTestLedger()
	l.AppendBatch(descriptors("a.pdf", "b.pdf", "c.pdf"))

	removed, ok := l.RemovePlaceholder("p2")
	require.True(t, ok)
	assert.Equal(t, "b.pdf", removed.FileName)

	_, ok = l.RemovePlaceholder("p2")
	assert.False(t, ok)

	entry, ok := l.ReplacePlaceholder("p3", events.Citation{ID: "c3"})
	require.True(t, ok)
	assert.Equal(t, "c.pdf", entry.FileName)

	snapshot := l.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "p1", snapshot[0].ID)
	assert.Equal(t, "c3", snapshot[1].ID)
}

func TestMatchingUsesFirstPlaceholderOnlyWithoutID(t *testing.T) {
	l := newTestLedger()
	l.AppendBatch(descriptors("a.pdf", "b.pdf"))

	_, ok := l.ReplaceMatching("unknown", events.Citation{ID: "c1"})
	assert.False(t, ok)
	_, ok = l.RemoveMatching("unknown")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Pending())

	entry, ok := l.ReplaceMatching("", events.Citation{ID: "c1"})
	require.True(t, ok)
	assert.Equal(t, "a.pdf", entry.FileName)

	entry, ok = l.RemoveMatching("")
	require.True(t, ok)
	assert.Equal(t, "b.pdf", entry.FileName)
}

func TestReplaceKeepsPlaceholderIDWhenRecordHasNone(t *testing.T) {
	l := newTestLedger()
	l.AppendBatch(descriptors("paper.pdf"))

	entry, ok := l.ReplaceFirstPlaceholder(events.Citation{Fields: events.Fields{Title: "Paper"}})
	require.True(t, ok)
	assert.Equal(t, "p1", entry.ID)
	assert.Equal(t, StatusFinalized, entry.Status)
	assert.Equal(t, "Paper", entry.Title())
}

func TestSubscribeReceivesSnapshotsAfterMutation(t *testing.T) {
	l := newTestLedger()
	var got [][]Entry
	cancel := l.Subscribe(func(entries []Entry) {
		// Reading the ledger from an observer must not deadlock.
		_ = l.Len()
		got = append(got, entries)
	})

	l.AppendBatch(descriptors("a.pdf"))
	l.RemoveFirstPlaceholder()
	l.RemoveFirstPlaceholder() // no-op, no notification
	cancel()
	l.AppendBatch(descriptors("b.pdf"))

	require.Len(t, got, 2)
	assert.Len(t, got[0], 1)
	assert.Empty(t, got[1])
}

func TestSnapshotIsACopy(t *testing.T) {
	l := newTestLedger()
	l.AppendBatch(descriptors("a.pdf"))
	snapshot := l.Snapshot()
	snapshot[0].Status = StatusFinalized
	assert.Equal(t, 1, l.Pending())
}

func TestLedgerConcurrentMutations(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewLedger()
	const batches = 20
	var wg sync.WaitGroup
	for i := 0; i < batches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.AppendBatch(descriptors("x.pdf", "y.pdf"))
		}()
	}
	wg.Wait()
	require.Equal(t, 2*batches, l.Pending())

	for i := 0; i < batches; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.ReplaceFirstPlaceholder(events.Citation{ID: "c"})
		}()
		go func() {
			defer wg.Done()
			l.RemoveFirstPlaceholder()
		}()
	}
	wg.Wait()
	assert.Zero(t, l.Pending())
	assert.Equal(t, batches, l.Len())
}
