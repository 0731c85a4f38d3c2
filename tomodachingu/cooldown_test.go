package tomodachingu

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownLedger_ShouldGreet(t *testing.T) {
	ledger := NewCooldownLedger(3 * time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, ledger.ShouldGreet("u1", now), "new users should be greeted")
	assert.Equal(t, 0, ledger.Len(), "ShouldGreet must not modify the ledger")

	ledger.RecordGreeted("u1", now)
	assert.Equal(t, 1, ledger.Len())

	assert.False(t, ledger.ShouldGreet("u1", now))
	assert.False(t, ledger.ShouldGreet("u1", now.Add(time.Hour)))
	assert.False(t, ledger.ShouldGreet("u1", now.Add(3*time.Hour-time.Millisecond)))
	assert.True(t, ledger.ShouldGreet("u1", now.Add(3*time.Hour)), "window boundary is inclusive")
	assert.True(t, ledger.ShouldGreet("u1", now.Add(4*time.Hour)))

	// other users aren't affected
	assert.True(t, ledger.ShouldGreet("u2", now))
}

func TestCooldownLedger_RecordOverwrites(t *testing.T) {
	ledger := NewCooldownLedger(3 * time.Hour)
	first := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(5 * time.Hour)

	ledger.RecordGreeted("u1", first)
	ledger.RecordGreeted("u1", second)
	assert.Equal(t, 1, ledger.Len())

	last, ok := ledger.LastGreeted("u1")
	require.True(t, ok)
	assert.Equal(t, second, last)
	assert.False(t, ledger.ShouldGreet("u1", second.Add(time.Hour)))

	_, ok = ledger.LastGreeted("nobody")
	assert.False(t, ok)
}

func TestCooldownLedger_DefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultGreetingCooldown, NewCooldownLedger(0).Window())
	assert.Equal(t, DefaultGreetingCooldown, NewCooldownLedger(-time.Minute).Window())
	assert.Equal(t, time.Minute, NewCooldownLedger(time.Minute).Window())
}

func TestCooldownLedger_Snapshot(t *testing.T) {
	ledger := NewCooldownLedger(time.Hour)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ledger.RecordGreeted("old", base)
	ledger.RecordGreeted("new", base.Add(2*time.Minute))
	ledger.RecordGreeted("b", base.Add(time.Minute))
	ledger.RecordGreeted("a", base.Add(time.Minute))

	entries := ledger.Snapshot()
	require.Len(t, entries, 4)

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
		assert.Equal(t, e.LastGreetedAt.Add(time.Hour), e.AvailableAt)
	}
	assert.Equal(t, []string{"new", "a", "b", "old"}, ids)
}

func TestCooldownLedger_Concurrent(t *testing.T) {
	ledger := NewCooldownLedger(time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i%10)
			if ledger.ShouldGreet(userID, now) {
				ledger.RecordGreeted(userID, now)
			}
			_ = ledger.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, ledger.Len())
}
