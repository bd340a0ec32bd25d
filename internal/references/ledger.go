// Package references is the client side of the citation upload flow: it issues
// upload targets, transfers PDF bytes, keeps the visible list of pending and
// finalized references, and reconciles it against events pushed by the server.
package references

import (
	"sync"

	"github.com/google/uuid"

	"refmanager/api/internal/events"
)

type Status string

const (
	StatusLoading   Status = "LOADING"
	StatusFinalized Status = "FINALIZED"
)

// Entry is one row of the visible reference list. A LOADING entry is a
// placeholder for an upload whose server event has not arrived yet.
type Entry struct {
	ID          string           `json:"id"`
	Status      Status           `json:"citation_type"`
	Placeholder bool             `json:"created"`
	FileName    string           `json:"file_name,omitempty"`
	Record      *events.Citation `json:"record,omitempty"`
}

func (e Entry) Loading() bool {
	return e.Status == StatusLoading
}

// Title is the record title for finalized entries and the file name otherwise.
func (e Entry) Title() string {
	if e.Record != nil && e.Record.Fields.Title != "" {
		return e.Record.Fields.Title
	}
	return e.FileName
}

type FileDescriptor struct {
	Name string
	Size int64
}

// Ledger is the ordered reference list. Every mutation runs under one lock and
// observers receive a fresh snapshot once the lock is released.
type Ledger struct {
	mu        sync.Mutex
	entries   []Entry
	newID     func() string
	observers map[int]func([]Entry)
	nextObs   int
}

func NewLedger() *Ledger {
	return &Ledger{
		newID:     func() string { return uuid.NewString() },
		observers: make(map[int]func([]Entry)),
	}
}

// Seed appends already finalized records, for example a list fetched at start.
func (l *Ledger) Seed(records []events.Citation) []Entry {
	return l.mutate(func() {
		for i := range records {
			record := records[i]
			l.entries = append(l.entries, Entry{ID: record.ID, Status: StatusFinalized, Record: &record})
		}
	})
}

// AppendBatch adds one placeholder per descriptor in order, in a single step.
func (l *Ledger) AppendBatch(files []FileDescriptor) []Entry {
	if len(files) == 0 {
		return l.Snapshot()
	}
	return l.mutate(func() {
		for _, f := range files {
			l.entries = append(l.entries, Entry{
				ID:          l.newID(),
				Status:      StatusLoading,
				Placeholder: true,
				FileName:    f.Name,
			})
		}
	})
}

// ReplaceFirstPlaceholder finalizes the earliest LOADING entry with record.
func (l *Ledger) ReplaceFirstPlaceholder(record events.Citation) (Entry, bool) {
	return l.replaceAt(func() int { return l.firstLoading() }, record)
}

// RemoveFirstPlaceholder drops the earliest LOADING entry.
func (l *Ledger) RemoveFirstPlaceholder() (Entry, bool) {
	return l.removeAt(func() int { return l.firstLoading() })
}

// ReplacePlaceholder finalizes the LOADING entry with the given correlation id.
func (l *Ledger) ReplacePlaceholder(id string, record events.Citation) (Entry, bool) {
	return l.replaceAt(func() int { return l.loadingByID(id) }, record)
}

// RemovePlaceholder drops the LOADING entry with the given correlation id.
func (l *Ledger) RemovePlaceholder(id string) (Entry, bool) {
	return l.removeAt(func() int { return l.loadingByID(id) })
}

// ReplaceMatching finalizes the LOADING entry with correlation id, or the
// earliest LOADING entry when id is empty. An id that names no LOADING entry
// matches nothing: the event belongs to another session or to a placeholder
// that is already gone.
func (l *Ledger) ReplaceMatching(id string, record events.Citation) (Entry, bool) {
	return l.replaceAt(func() int { return l.matching(id) }, record)
}

// RemoveMatching is the removal counterpart of ReplaceMatching.
func (l *Ledger) RemoveMatching(id string) (Entry, bool) {
	return l.removeAt(func() int { return l.matching(id) })
}

func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Pending counts LOADING entries.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Loading() {
			n++
		}
	}
	return n
}

// Subscribe registers fn to receive a snapshot after every mutation.
func (l *Ledger) Subscribe(fn func([]Entry)) (cancel func()) {
	l.mu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

func (l *Ledger) replaceAt(find func() int, record events.Citation) (Entry, bool) {
	var replaced Entry
	ok, _ := l.mutateIf(func() bool {
		idx := find()
		if idx < 0 {
			return false
		}
		rec := record
		id := record.ID
		if id == "" {
			id = l.entries[idx].ID
		}
		l.entries[idx] = Entry{
			ID:       id,
			Status:   StatusFinalized,
			FileName: l.entries[idx].FileName,
			Record:   &rec,
		}
		replaced = l.entries[idx]
		return true
	})
	return replaced, ok
}

func (l *Ledger) removeAt(find func() int) (Entry, bool) {
	var removed Entry
	ok, _ := l.mutateIf(func() bool {
		idx := find()
		if idx < 0 {
			return false
		}
		removed = l.entries[idx]
		l.entries = append(l.entries[:idx], l.entries[idx+1:]...)
		return true
	})
	return removed, ok
}

func (l *Ledger) firstLoading() int {
	for i, e := range l.entries {
		if e.Loading() {
			return i
		}
	}
	return -1
}

func (l *Ledger) loadingByID(id string) int {
	for i, e := range l.entries {
		if e.Loading() && e.ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) matching(id string) int {
	if id != "" {
		return l.loadingByID(id)
	}
	return l.firstLoading()
}

func (l *Ledger) mutate(fn func()) []Entry {
	_, snapshot := l.mutateIf(func() bool {
		fn()
		return true
	})
	return snapshot
}

// mutateIf runs fn under the lock and notifies observers when fn reports a
// change.
func (l *Ledger) mutateIf(fn func() bool) (bool, []Entry) {
	l.mu.Lock()
	if !fn() {
		l.mu.Unlock()
		return false, nil
	}
	snapshot := l.snapshotLocked()
	observers := make([]func([]Entry), 0, len(l.observers))
	for _, obs := range l.observers {
		observers = append(observers, obs)
	}
	l.mu.Unlock()

	for _, obs := range observers {
		obs(cloneEntries(snapshot))
	}
	return true, snapshot
}

func (l *Ledger) snapshotLocked() []Entry {
	return cloneEntries(l.entries)
}

func cloneEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
