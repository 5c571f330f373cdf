package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTracker(t *testing.T, maxCalls int, maxCost float64) *Tracker {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "budget.db"), maxCalls, maxCost)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestDisabledTrackerAlwaysPasses(t *testing.T) {
	tr := openTestTracker(t, 0, 0)
	assert.False(t, tr.Enabled())
	require.NoError(t, tr.CheckAndLog(context.Background(), "codex", 1000, 99.0))
}

func TestCallCeilingEnforced(t *testing.T) {
	tr := openTestTracker(t, 3, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, tr.CheckAndLog(ctx, "codex", 1, 0))
	}
	err := tr.CheckAndLog(ctx, "codex", 1, 0)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)

	// The refused spend was not recorded.
	snap, err := tr.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.APICalls)
}

func TestCostCeilingEnforced(t *testing.T) {
	tr := openTestTracker(t, 0, 1.0)
	ctx := context.Background()

	require.NoError(t, tr.CheckAndLog(ctx, "claude", 1, 0.6))
	require.NoError(t, tr.CheckAndLog(ctx, "claude", 1, 0.6))

	err := tr.CheckAndLog(ctx, "claude", 1, 0.1)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Contains(t, exceeded.Error(), "MAX_DAILY_COST_USD")
}

func TestCeilingSharedAcrossWorkers(t *testing.T) {
	tr := openTestTracker(t, 2, 0)
	ctx := context.Background()

	require.NoError(t, tr.CheckAndLog(ctx, "opencode", 1, 0))
	require.NoError(t, tr.CheckAndLog(ctx, "codex", 1, 0))

	err := tr.CheckAndLog(ctx, "claude", 1, 0)
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
}

func TestConcurrentSpendNeverPassesCeiling(t *testing.T) {
	const limit = 10
	tr := openTestTracker(t, limit, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tr.CheckAndLog(ctx, "codex", 1, 0); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, granted)
	snap, err := tr.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, limit, snap.APICalls)
}
