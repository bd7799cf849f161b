package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPusher(apiKey, secret string) *Pusher {
	p := NewPusher(nil, apiKey, secret)
	p.Backoff = []time.Duration{time.Millisecond}
	return p
}

func TestSignAndVerify(t *testing.T) {
	c := Canonical("post", "/hook", 1700000000, "abcd1234", []byte(`{"x":1}`))
	assert.Contains(t, c, "POST\n/hook\n1700000000\nabcd1234\n")
	sig := SignHMAC("secret", c)
	assert.Len(t, sig, 64)
	assert.True(t, Verify("secret", c, sig))
	assert.False(t, Verify("other", c, sig))
}

func TestPusherSignedRequest(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		canonical := Canonical(r.Method, r.URL.Path, ts, r.Header.Get("X-Nonce"), body)
		if r.Header.Get("X-Api-Key") != "key" || !Verify("secret", canonical, r.Header.Get("X-Signature")) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewEvent("power_changed", "SN1", time.Unix(1700000000, 0), map[string]any{"current": 120.0})
	code, body, err := fastPusher("key", "secret").SendJSON(context.Background(), srv.URL+"/hook", e)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "SN1", got.DeviceSerial)
}

func TestPusherRetry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		wantCode  int
		wantErr   bool
		wantCalls int32
	}{
		{name: "5xx后成功", statuses: []int{500, 502, 200}, wantCode: 200, wantCalls: 3},
		{name: "4xx不重试", statuses: []int{400}, wantCode: 400, wantErr: true, wantCalls: 1},
		{name: "重试耗尽", statuses: []int{503, 503, 503, 503}, wantCode: 503, wantErr: true, wantCalls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := int(calls.Add(1)) - 1
				body, _ := io.ReadAll(r.Body)
				// 重试时请求体完整
				assert.JSONEq(t, `{"x":1}`, string(body))
				w.WriteHeader(tt.statuses[min(n, len(tt.statuses)-1)])
			}))
			defer srv.Close()

			code, _, err := fastPusher("", "s").SendJSON(context.Background(), srv.URL, map[string]any{"x": 1})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestPusherNil(t *testing.T) {
	var p *Pusher
	_, _, err := p.SendJSON(context.Background(), "http://x", nil)
	assert.Error(t, err)
}

func TestNotifierDelivers(t *testing.T) {
	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e Event
		_ = json.NewDecoder(r.Body).Decode(&e)
		mu.Lock()
		events = append(events, e.DeviceSerial)
		mu.Unlock()
	}))
	defer srv.Close()

	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_webhook_total"}, []string{"result"})
	n := NewNotifier(fastPusher("", "s"), srv.URL, 8, counter, zap.NewNop())
	n.Start(context.Background(), 2)
	for _, sn := range []string{"SN1", "SN2", "SN3"} {
		require.True(t, n.Enqueue(NewEvent("power_changed", sn, time.Now(), nil)))
	}
	n.Close()

	sent, failed, dropped := n.Stats()
	assert.Equal(t, int64(3), sent)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
	assert.ElementsMatch(t, []string{"SN1", "SN2", "SN3"}, events)
	assert.Equal(t, 3.0, testutil.ToFloat64(counter.WithLabelValues("sent")))

	assert.False(t, n.Enqueue(NewEvent("power_changed", "SN4", time.Now(), nil)), "关闭后不再接收")
}

func TestNotifierQueueFull(t *testing.T) {
	n := NewNotifier(fastPusher("", "s"), "http://127.0.0.1:1", 1, nil, zap.NewNop())
	assert.True(t, n.Enqueue(NewEvent("a", "SN1", time.Now(), nil)))
	assert.False(t, n.Enqueue(NewEvent("a", "SN2", time.Now(), nil)))
	_, _, dropped := n.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestNotifierFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewNotifier(fastPusher("", "s"), srv.URL, 4, nil, nil)
	n.Start(context.Background(), 1)
	n.Enqueue(NewEvent("a", "SN1", time.Now(), nil))
	n.Close()
	_, failed, _ := n.Stats()
	assert.Equal(t, int64(1), failed)
}
