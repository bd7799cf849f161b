package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Status: m.status, Message: "mock", Latency: time.Millisecond}
}

func TestAggregator(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
		ready    bool
	}{
		{name: "全部健康", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy, ready: true},
		{name: "部分降级", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded, ready: true},
		{name: "部分不健康", statuses: []Status{StatusDegraded, StatusUnhealthy}, want: StatusUnhealthy, ready: false},
		{name: "没有检查器", want: StatusHealthy, ready: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, s := range tt.statuses {
				agg.AddChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			assert.Equal(t, tt.want, agg.OverallStatus(context.Background()))
			assert.Equal(t, tt.ready, agg.Ready(context.Background()))
		})
	}
}

func TestAggregatorCheckTimeout(t *testing.T) {
	agg := NewAggregator(
		&mockChecker{name: "slow", status: StatusHealthy, delay: time.Second},
		&mockChecker{name: "fast", status: StatusHealthy},
	)
	agg.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	results := agg.CheckAll(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, StatusHealthy, results["fast"].Status)
}

type fakeBrokerSession struct {
	lost chan struct{}
	err  error
	subs []string
}

func (f *fakeBrokerSession) Lost() <-chan struct{}   { return f.lost }
func (f *fakeBrokerSession) Err() error              { return f.err }
func (f *fakeBrokerSession) Subscriptions() []string { return f.subs }

func TestBrokerChecker(t *testing.T) {
	c := NewBrokerChecker("tcp://broker:1883")
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status, "no session yet")

	s := &fakeBrokerSession{lost: make(chan struct{})}
	c.SetSession(s)
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	s.subs = []string{"dt/anker_power/A1782/SN1/#"}
	res := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 1, res.Details["subscriptions"])

	s.err = errors.New("EOF")
	close(s.lost)
	res = c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "EOF")
}

func TestPoolStatus(t *testing.T) {
	tests := []struct {
		acquired, max int32
		want          Status
	}{
		{0, 0, StatusHealthy},
		{5, 10, StatusHealthy},
		{19, 20, StatusDegraded},
		{10, 10, StatusUnhealthy},
	}
	for _, tt := range tests {
		got, _, _ := poolStatus(tt.acquired, tt.max)
		assert.Equal(t, tt.want, got)
	}
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	broker := NewBrokerChecker("tcp://broker:1883")
	r := gin.New()
	RegisterHTTPRoutes(r, NewAggregator(broker))

	do := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	assert.Equal(t, http.StatusOK, do("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do("/readyz").Code)

	broker.SetSession(&fakeBrokerSession{lost: make(chan struct{}), subs: []string{"t"}})
	assert.Equal(t, http.StatusOK, do("/readyz").Code)

	w := do("/health")
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "broker")
}
