package tomodachingu

import (
	"sort"
	"sync"
	"time"
)

// Clock returns the current time. Tests swap it out to control the
// cooldown window.
type Clock func() time.Time

// CooldownLedger tracks when each user was last sent an automatic greeting.
//
// There is at most one entry per user, created on the user's first
// greeting reply and overwritten on each later one. Entries are never
// removed and are not persisted, so the ledger is empty after a restart.
type CooldownLedger struct {
	window      time.Duration
	lastGreeted map[string]time.Time
	mu          sync.RWMutex
}

// CooldownEntry is a point-in-time copy of a single ledger entry
type CooldownEntry struct {
	UserID        string    `json:"user_id"`
	LastGreetedAt time.Time `json:"last_greeted_at"`
	AvailableAt   time.Time `json:"available_at"`
}

// NewCooldownLedger returns an empty ledger using the given window.
// A non-positive window falls back to DefaultGreetingCooldown.
func NewCooldownLedger(window time.Duration) *CooldownLedger {
	if window <= 0 {
		window = DefaultGreetingCooldown
	}
	return &CooldownLedger{
		window:      window,
		lastGreeted: map[string]time.Time{},
	}
}

// Window is the minimum interval between two greetings to the same user
func (c *CooldownLedger) Window() time.Duration {
	return c.window
}

// ShouldGreet reports whether userID may be greeted at now: true when the
// user has never been greeted, or when at least Window has elapsed since
// the last greeting. It never modifies the ledger.
func (c *CooldownLedger) ShouldGreet(userID string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	last, ok := c.lastGreeted[userID]
	if !ok {
		return true
	}
	return now.Sub(last) >= c.window
}

// RecordGreeted sets the user's last greeting time to now. It should only
// be called after a greeting reply was actually sent, and only when
// ShouldGreet returned true for the same userID and now.
func (c *CooldownLedger) RecordGreeted(userID string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGreeted[userID] = now
}

// LastGreeted returns the time userID was last greeted, if ever
func (c *CooldownLedger) LastGreeted(userID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ts, ok := c.lastGreeted[userID]
	return ts, ok
}

// Len returns the number of users in the ledger
func (c *CooldownLedger) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lastGreeted)
}

// Snapshot returns a copy of every entry, most recently greeted first
func (c *CooldownLedger) Snapshot() []CooldownEntry {
	c.mu.RLock()
	entries := make([]CooldownEntry, 0, len(c.lastGreeted))
	for userID, ts := range c.lastGreeted {
		entries = append(
			entries,
			CooldownEntry{
				UserID:        userID,
				LastGreetedAt: ts,
				AvailableAt:   ts.Add(c.window),
			},
		)
	}
	c.mu.RUnlock()

	sort.Slice(
		entries, func(i, j int) bool {
			if entries[i].LastGreetedAt.Equal(entries[j].LastGreetedAt) {
				return entries[i].UserID < entries[j].UserID
			}
			return entries[i].LastGreetedAt.After(entries[j].LastGreetedAt)
		},
	)
	return entries
}
