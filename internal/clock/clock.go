// Package clock implements the per-game two-sided Fischer clock. One Clock
// belongs to exactly one Room; callbacks post back into the Room's inbox so
// no game state is touched from the ticker goroutine.
package clock

import (
	"sync"
	"time"

	"ban-chess/internal/models"
)

const tickInterval = 1 * time.Second

// TimeoutFunc is invoked exactly once when a running clock crosses zero.
type TimeoutFunc func(loser models.PlayerColor)

// TickFunc receives a snapshot on every background tick.
type TickFunc func(snapshot models.ClockSnapshot)

type side struct {
	remainingMs int64
	lastUpdate  time.Time // valid while this side is running
}

// Clock tracks both players' remaining time. Only one side runs at a time;
// the running side's bank is debited lazily from the monotonic reading taken
// at its last update.
type Clock struct {
	mu          sync.Mutex
	control     models.TimeControl
	white       side
	black       side
	running     models.PlayerColor // "" when no side is running
	paused      bool
	timedOut    bool
	destroyed   bool
	onTimeout   TimeoutFunc
	onTick      TickFunc
	stopCh      chan struct{}
}

// New builds a stopped clock with both banks at the initial allotment.
func New(control models.TimeControl, onTimeout TimeoutFunc, onTick TickFunc) *Clock {
	c := &Clock{
		control:   control,
		white:     side{remainingMs: control.InitialMs()},
		black:     side{remainingMs: control.InitialMs()},
		onTimeout: onTimeout,
		onTick:    onTick,
		stopCh:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Restore rebuilds a stopped clock from a persisted snapshot, for a process
// adopting a game it did not start. The snapshot's running side is not
// debited for the time since LastUpdate; the adopting Room decides that.
func Restore(control models.TimeControl, snap models.ClockSnapshot, onTimeout TimeoutFunc, onTick TickFunc) *Clock {
	c := &Clock{
		control:   control,
		white:     side{remainingMs: snap.White.RemainingMs},
		black:     side{remainingMs: snap.Black.RemainingMs},
		onTimeout: onTimeout,
		onTick:    onTick,
		stopCh:    make(chan struct{}),
	}
	go c.run()
	return c
}

// Start begins debiting the given color.
func (c *Clock) Start(color models.PlayerColor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.timedOut || c.running != "" {
		return
	}
	c.running = color
	c.sideOf(color).lastUpdate = time.Now()
}

// Switch debits the running side and hands the clock to nextColor. The
// Fischer increment is credited to the side that just acted only when the
// completed half-action was a move; bans never earn time.
func (c *Clock) Switch(nextColor models.PlayerColor, completedMove bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.timedOut {
		return
	}
	// Pause already debited the running side; switching while paused must
	// not debit it again, and the new side starts on Resume.
	if c.running != "" && !c.paused {
		s := c.sideOf(c.running)
		s.remainingMs -= time.Since(s.lastUpdate).Milliseconds()
		if completedMove {
			s.remainingMs += c.control.IncrementMs()
		}
		if s.remainingMs < 0 {
			s.remainingMs = 0
		}
	}
	c.running = nextColor
	if !c.paused {
		c.sideOf(nextColor).lastUpdate = time.Now()
	}
}

// Preview returns the snapshot Switch(nextColor, completedMove) would
// produce, without handing the clock over. Callers persist the post-action
// banks before committing the action, so a failed write leaves the live
// clock untouched.
func (c *Clock) Preview(nextColor models.PlayerColor, completedMove bool) models.ClockSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	white, black := c.white.remainingMs, c.black.remainingMs
	if !c.destroyed && !c.timedOut && c.running != "" && !c.paused {
		rem := &white
		if c.running == models.Black {
			rem = &black
		}
		*rem -= now.Sub(c.sideOf(c.running).lastUpdate).Milliseconds()
		if completedMove {
			*rem += c.control.IncrementMs()
		}
		if *rem < 0 {
			*rem = 0
		}
	}
	running := nextColor
	if c.destroyed || c.timedOut {
		running = c.running
	}
	nowMs := now.UnixMilli()
	return models.ClockSnapshot{
		White:   models.PlayerClock{RemainingMs: white, LastUpdate: nowMs},
		Black:   models.PlayerClock{RemainingMs: black, LastUpdate: nowMs},
		Running: running,
	}
}

// GiveTime credits the recipient's bank. Eligibility (opponent only, time
// control present, game live) is enforced by the Room.
func (c *Clock) GiveTime(recipient models.PlayerColor, seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.timedOut {
		return
	}
	c.sideOf(recipient).remainingMs += int64(seconds) * 1000
}

// Pause freezes the running side, debiting it up to now.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.timedOut || c.paused {
		return
	}
	if c.running != "" {
		s := c.sideOf(c.running)
		s.remainingMs -= time.Since(s.lastUpdate).Milliseconds()
		if s.remainingMs < 0 {
			s.remainingMs = 0
		}
	}
	c.paused = true
}

// Resume restarts the running side's debit from now.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.timedOut || !c.paused {
		return
	}
	c.paused = false
	if c.running != "" {
		c.sideOf(c.running).lastUpdate = time.Now()
	}
}

// Snapshot returns both clocks with the running side's elapsed time applied.
func (c *Clock) Snapshot() models.ClockSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Clock) snapshotLocked() models.ClockSnapshot {
	now := time.Now()
	nowMs := now.UnixMilli()
	snap := models.ClockSnapshot{
		White:   models.PlayerClock{RemainingMs: c.white.remainingMs, LastUpdate: nowMs},
		Black:   models.PlayerClock{RemainingMs: c.black.remainingMs, LastUpdate: nowMs},
		Running: c.running,
	}
	if c.running != "" && !c.paused {
		s := c.sideOf(c.running)
		elapsed := now.Sub(s.lastUpdate).Milliseconds()
		if c.running == models.White {
			snap.White.RemainingMs -= elapsed
		} else {
			snap.Black.RemainingMs -= elapsed
		}
	}
	if snap.White.RemainingMs < 0 {
		snap.White.RemainingMs = 0
	}
	if snap.Black.RemainingMs < 0 {
		snap.Black.RemainingMs = 0
	}
	return snap
}

// Destroy stops the ticker. Idempotent; every later call on the clock is a
// no-op.
func (c *Clock) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	close(c.stopCh)
}

func (c *Clock) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick checks for timeout without mutating the banks unless one crossed
// zero; between switches the debit stays lazy.
func (c *Clock) tick() {
	c.mu.Lock()
	if c.destroyed || c.timedOut || c.paused || c.running == "" {
		c.mu.Unlock()
		return
	}
	s := c.sideOf(c.running)
	if s.remainingMs-time.Since(s.lastUpdate).Milliseconds() <= 0 {
		s.remainingMs = 0
		c.timedOut = true
		loser := c.running
		c.running = ""
		onTimeout := c.onTimeout
		c.mu.Unlock()
		if onTimeout != nil {
			onTimeout(loser)
		}
		return
	}
	snap := c.snapshotLocked()
	onTick := c.onTick
	c.mu.Unlock()
	if onTick != nil {
		onTick(snap)
	}
}

func (c *Clock) sideOf(color models.PlayerColor) *side {
	if color == models.White {
		return &c.white
	}
	return &c.black
}
