package references

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"refmanager/api/internal/logging"
)

type NotificationKind string

const (
	NotifyInfo  NotificationKind = "info"
	NotifyError NotificationKind = "error"
)

const (
	PositionTopCenter = "top-center"
	// ThemeBlue is the primary color used for the progress bar.
	ThemeBlue = "#1976d2"

	DefaultAutoClose = 5 * time.Second
)

// Notification is a transient, non-blocking message for the user.
type Notification struct {
	ID            string           `json:"id"`
	Kind          NotificationKind `json:"kind"`
	Message       string           `json:"message"`
	Position      string           `json:"position"`
	AutoClose     time.Duration    `json:"auto_close"`
	ProgressColor string           `json:"progress_color"`
	CreatedAt     time.Time        `json:"created_at"`
}

func DuplicateNotice(title string) Notification {
	return Notification{
		Kind:          NotifyInfo,
		Message:       "Citation for " + title + " already exists!",
		Position:      PositionTopCenter,
		AutoClose:     DefaultAutoClose,
		ProgressColor: ThemeBlue,
	}
}

func UploadFailedNotice(fileName string, err error) Notification {
	return Notification{
		Kind:          NotifyError,
		Message:       "Upload of " + fileName + " failed: " + err.Error(),
		Position:      PositionTopCenter,
		AutoClose:     DefaultAutoClose,
		ProgressColor: ThemeBlue,
	}
}

type Notifier interface {
	Notify(Notification)
}

type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// LogNotifier writes notifications to a logger, for headless clients.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l LogNotifier) Notify(n Notification) {
	logger := logging.OrNop(l.Logger)
	fields := []zap.Field{zap.String("position", n.Position), zap.Duration("auto_close", n.AutoClose)}
	if n.Kind == NotifyError {
		logger.Warn(n.Message, fields...)
		return
	}
	logger.Info(n.Message, fields...)
}

// MultiNotifier forwards to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Tray holds the notifications currently on screen. Each one is dismissed
// once its AutoClose has elapsed on the tray's clock.
type Tray struct {
	mu     sync.Mutex
	now    func() time.Time
	active []Notification
}

func NewTray(now func() time.Time) *Tray {
	if now == nil {
		now = time.Now
	}
	return &Tray{now: now}
}

func (t *Tray) Notify(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = t.now()
	}
	if n.AutoClose <= 0 {
		n.AutoClose = DefaultAutoClose
	}
	t.active = append(t.active, n)
}

// Active returns notifications that have not yet expired, oldest first.
func (t *Tray) Active() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	kept := t.active[:0]
	for _, n := range t.active {
		if now.Sub(n.CreatedAt) < n.AutoClose {
			kept = append(kept, n)
		}
	}
	t.active = kept
	out := make([]Notification, len(kept))
	copy(out, kept)
	return out
}

// Dismiss closes a notification before its timer runs out.
func (t *Tray) Dismiss(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, n := range t.active {
		if n.ID == id {
			t.active = append(t.active[:i], t.active[i+1:]...)
			return true
		}
	}
	return false
}
