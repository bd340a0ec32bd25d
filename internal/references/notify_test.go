package references

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestTrayAutoDismiss(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tray := NewTray(func() time.Time { return now })

	tray.Notify(DuplicateNotice("A"))
	now = now.Add(2 * time.Second)
	tray.Notify(DuplicateNotice("B"))

	if got := len(tray.Active()); got != 2 {
		t.Fatalf("Active() = %d, want 2", got)
	}

	now = now.Add(3 * time.Second)
	active := tray.Active()
	if len(active) != 1 || active[0].Message != "Citation for B already exists!" {
		t.Fatalf("unexpected active notifications %+v", active)
	}

	if !tray.Dismiss(active[0].ID) {
		t.Fatal("Dismiss() = false")
	}
	if len(tray.Active()) != 0 {
		t.Fatal("expected no notifications")
	}
	if tray.Dismiss("missing") {
		t.Fatal("Dismiss(missing) = true")
	}
}

func TestUploadFailedNotice(t *testing.T) {
	n := UploadFailedNotice("a.pdf", errors.New("forbidden"))
	if n.Kind != NotifyError || n.Message != "Upload of a.pdf failed: forbidden" {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestMultiNotifier(t *testing.T) {
	var count int
	counter := NotifierFunc(func(Notification) { count++ })
	MultiNotifier{counter, nil, LogNotifier{Logger: zaptest.NewLogger(t)}, counter}.Notify(DuplicateNotice("X"))
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
