package rotation

import (
	"sync"
	"time"
)

// State of the issuance debouncer.
type State int

const (
	StateIdle State = iota
	StateInProgress
	StateCooldown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInProgress:
		return "in-progress"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Debouncer suppresses issuance while one is running and for a cooldown after it ended.
//
//	Idle --Begin--> InProgress --End--> Cooldown --(cooldown elapsed)--> Idle
type Debouncer struct {
	mu       sync.Mutex
	state    State
	endedAt  time.Time
	cooldown time.Duration
}

func NewDebouncer(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown}
}

// Begin moves to InProgress and returns true if an issuance may start at now.
func (d *Debouncer) Begin(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current(now) != StateIdle {
		return false
	}
	d.state = StateInProgress
	return true
}

// End finishes the running issuance, successful or not, and starts the cooldown at now.
func (d *Debouncer) End(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateInProgress {
		return
	}
	d.state = StateCooldown
	d.endedAt = now
}

// State returns the state at now.
func (d *Debouncer) State(now time.Time) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current(now)
}

func (d *Debouncer) current(now time.Time) State {
	if d.state == StateCooldown && now.Sub(d.endedAt) >= d.cooldown {
		d.state = StateIdle
	}
	return d.state
}
