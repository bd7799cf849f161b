package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePruner) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestNewHistoryCleanerDisabled(t *testing.T) {
	assert.Nil(t, NewHistoryCleaner(&fakePruner{}, 0, time.Hour, zap.NewNop()))
	assert.Nil(t, NewHistoryCleaner(nil, time.Hour, time.Hour, zap.NewNop()))
}

func TestHistoryCleanerCutoff(t *testing.T) {
	repo := &fakePruner{n: 3}
	c := NewHistoryCleaner(repo, 24*time.Hour, 0, zap.NewNop())
	require.NotNil(t, c)
	assert.Equal(t, time.Hour, c.interval)

	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.clean(context.Background())
	c.clean(context.Background())

	require.Equal(t, 2, repo.calls())
	assert.Equal(t, now.Add(-24*time.Hour), repo.cutoffs[0])
	assert.Equal(t, int64(6), c.Cleaned())
}

func TestHistoryCleanerErrorKeepsCount(t *testing.T) {
	repo := &fakePruner{err: errors.New("db down")}
	c := NewHistoryCleaner(repo, time.Hour, time.Hour, zap.NewNop())
	c.clean(context.Background())
	assert.Equal(t, int64(0), c.Cleaned())
}

func TestHistoryCleanerStartStop(t *testing.T) {
	repo := &fakePruner{n: 1}
	c := NewHistoryCleaner(repo, time.Hour, 10*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return repo.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop")
	}
}
