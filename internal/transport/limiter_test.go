package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 10)
	assert.Nil(t, l)
	assert.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, LimiterStats{}, l.Stats())
}

func TestLimiterBurstAndCancel(t *testing.T) {
	l := NewLimiter(1, 2)
	require.NotNil(t, l)

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))

	// 令牌耗尽，短超时内拿不到
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(short))

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.AllowedTotal)
	assert.Equal(t, int64(1), stats.RejectedTotal)
	assert.Equal(t, 2, stats.Burst)
}
