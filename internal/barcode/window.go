package barcode

import (
	"context"
	"sync"
	"time"
)

// DefaultDedupWindow is how long an identical scan counts as the same trigger.
const DefaultDedupWindow = time.Second

type Outcome int

const (
	Admit Outcome = iota
	DuplicateSuppressed
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case DuplicateSuppressed:
		return "duplicate_suppressed"
	}
	return "unknown"
}

// Window remembers the last admitted code of one sales session.
type Window interface {
	Admit(ctx context.Context, code string, now time.Time) (Outcome, error)
}

// MemoryWindow is the in-process Window used by a single cashier station.
type MemoryWindow struct {
	mu       sync.Mutex
	span     time.Duration
	lastCode string
	lastAt   time.Time
}

func NewMemoryWindow(span time.Duration) *MemoryWindow {
	if span <= 0 {
		span = DefaultDedupWindow
	}
	return &MemoryWindow{span: span}
}

// Admit suppresses code when it equals the last admitted code and now is
// within the window of that admission. Suppression leaves the stored
// timestamp untouched, so a stuck scanner cannot extend the window forever.
func (w *MemoryWindow) Admit(_ context.Context, code string, now time.Time) (Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastCode != "" && code == w.lastCode && now.Sub(w.lastAt) < w.span {
		return DuplicateSuppressed, nil
	}
	w.lastCode = code
	w.lastAt = now
	return Admit, nil
}
