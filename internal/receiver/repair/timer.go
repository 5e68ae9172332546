package repair

import (
	"sync"
	"time"
)

// Timer is a single logical timer. FireIn schedules the callback after
// the given interval, replacing any outstanding schedule. Cancel is
// idempotent.
type Timer interface {
	FireIn(d time.Duration)
	Cancel()
}

// TimerFactory creates timers bound to a callback. Tests substitute a
// factory whose timers fire on demand.
type TimerFactory interface {
	CreateTimer(callback func(), id string) Timer
}

// ClockTimerFactory creates wall-clock timers backed by time.AfterFunc.
type ClockTimerFactory struct{}

// CreateTimer implements TimerFactory.
func (ClockTimerFactory) CreateTimer(callback func(), id string) Timer {
	return &clockTimer{callback: callback}
}

type clockTimer struct {
	mu       sync.Mutex
	callback func()
	timer    *time.Timer
}

func (t *clockTimer) FireIn(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.callback)
}

func (t *clockTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
