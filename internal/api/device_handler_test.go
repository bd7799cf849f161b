package api

import (
	"bytes"
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

	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
	"github.com/taoyao-code/solix-gateway/internal/protocol/solix"
	"github.com/taoyao-code/solix-gateway/internal/session"
	"github.com/taoyao-code/solix-gateway/internal/storage"
	"github.com/taoyao-code/solix-gateway/internal/telemetry"
	"github.com/taoyao-code/solix-gateway/internal/transport"
	"github.com/taoyao-code/solix-gateway/internal/transport/memtransport"
)

const testKey = "sk_test_0123456789"

type fakeLatest struct {
	fields map[string]string
	err    error
}

func (f *fakeLatest) Save(context.Context, storage.Snapshot) error { return nil }
func (f *fakeLatest) Latest(context.Context, string) (map[string]string, error) {
	return f.fields, f.err
}

type fixture struct {
	router  *gin.Engine
	handler *DeviceHandler
	broker  *memtransport.Broker
	sess    *session.Session
}

func newFixture(t *testing.T, opts HandlerOptions) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := memtransport.NewBroker()
	s, err := session.Connect(context.Background(), b, session.Config{
		Devices: []session.Device{
			{Serial: "SN1", ProductNumber: "A1782", Alias: "F3800"},
			{Serial: "SN2", ProductNumber: "A1790", Online: true},
		},
		Triggers: []string{"SN1"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	h := NewDeviceHandler(opts)
	h.SetSession(s)
	r := gin.New()
	RegisterRoutes(r, h, cfgpkg.APIAuthConfig{Enabled: true, APIKeys: []string{testKey}}, nil)
	return &fixture{router: r, handler: h, broker: b, sess: s}
}

func (f *fixture) do(method, path string, body any, auth bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("X-API-Key", testKey)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestListDevices(t *testing.T) {
	power := telemetry.NewPowerTracker(nil)
	power.Record("SN1", 250, time.Now())
	f := newFixture(t, HandlerOptions{Power: power})
	f.sess.Inventory().OnSeen("SN1", time.Now())

	w := f.do(http.MethodGet, "/api/v1/devices", nil, false)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Devices []DeviceView `json:"devices"`
		Online  int          `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, 2, resp.Online)

	sn1 := resp.Devices[0]
	assert.Equal(t, "SN1", sn1.Serial)
	assert.Equal(t, "F3800", sn1.Alias)
	assert.True(t, sn1.Trigger)
	assert.True(t, sn1.Online)
	require.NotNil(t, sn1.LastSeen)
	require.NotNil(t, sn1.ACOutputPower)
	assert.Equal(t, float64(250), *sn1.ACOutputPower)

	assert.False(t, resp.Devices[1].Trigger)
	assert.Nil(t, resp.Devices[1].LastSeen)
}

func TestGetDevice(t *testing.T) {
	f := newFixture(t, HandlerOptions{})
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/devices/SN2", nil, false).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/devices/NOPE", nil, false).Code)
}

func TestTriggerEndpoints(t *testing.T) {
	f := newFixture(t, HandlerOptions{})

	tests := []struct {
		name   string
		method string
		path   string
		auth   bool
		want   int
	}{
		{name: "未认证拒绝", method: http.MethodPut, path: "/api/v1/devices/SN2/trigger", want: http.StatusUnauthorized},
		{name: "开启触发", method: http.MethodPut, path: "/api/v1/devices/SN2/trigger", auth: true, want: http.StatusOK},
		{name: "未知设备", method: http.MethodPut, path: "/api/v1/devices/NOPE/trigger", auth: true, want: http.StatusNotFound},
		{name: "关闭触发", method: http.MethodDelete, path: "/api/v1/devices/SN1/trigger", auth: true, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(tt.method, tt.path, nil, tt.auth).Code)
		})
	}
	assert.Equal(t, []string{"SN2"}, f.sess.Triggers().List())

	w := f.do(http.MethodDelete, "/api/v1/devices/SN1/trigger", nil, true)
	assert.Equal(t, false, decode(t, w)["removed"])
}

func TestRealtimePublishesControlFrame(t *testing.T) {
	f := newFixture(t, HandlerOptions{TriggerDuration: 2 * time.Minute})

	w := f.do(http.MethodPost, "/api/v1/devices/SN2/realtime", map[string]any{"duration_seconds": 90}, true)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "cmd/anker_power/A1790/SN2/req", decode(t, w)["topic"])

	// 不带请求体时使用默认时长
	w = f.do(http.MethodPost, "/api/v1/devices/SN1/realtime", nil, true)
	require.Equal(t, http.StatusAccepted, w.Code)

	pub := f.broker.Published()
	require.Len(t, pub, 2)
	durations := make([]uint64, 0, 2)
	for _, m := range pub {
		env, err := transport.DecodeEnvelope(m.Payload)
		require.NoError(t, err)
		frame, err := solix.Decode(env.Payload.Data)
		require.NoError(t, err)
		assert.Equal(t, solix.MsgRealtimeTrigger, frame.MessageType())
		fld, ok := frame.Field(0xa3)
		require.True(t, ok)
		v, ok := fld.Uint()
		require.True(t, ok)
		durations = append(durations, v)
	}
	assert.Equal(t, []uint64{90, 120}, durations)
}

func TestRealtimeErrors(t *testing.T) {
	f := newFixture(t, HandlerOptions{})

	assert.Equal(t, http.StatusBadRequest,
		f.do(http.MethodPost, "/api/v1/devices/SN1/realtime", map[string]any{"duration_seconds": -1}, true).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(http.MethodPost, "/api/v1/devices/NOPE/realtime", nil, true).Code)

	f.broker.PublishErr = errors.New("broker refused")
	assert.Equal(t, http.StatusBadGateway,
		f.do(http.MethodPost, "/api/v1/devices/SN1/realtime", map[string]any{"off": true}, true).Code)
}

func TestLatestSnapshot(t *testing.T) {
	store := &fakeLatest{fields: map[string]string{"ac_output_power": "120W"}}
	f := newFixture(t, HandlerOptions{Latest: store})

	w := f.do(http.MethodGet, "/api/v1/devices/SN1/latest", nil, false)
	require.Equal(t, http.StatusOK, w.Code)
	fields := decode(t, w)["fields"].(map[string]any)
	assert.Equal(t, "120W", fields["ac_output_power"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/devices/NOPE/latest", nil, false).Code)

	store.err = errors.New("redis down")
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodGet, "/api/v1/devices/SN1/latest", nil, false).Code)

	noStore := newFixture(t, HandlerOptions{})
	assert.Equal(t, http.StatusNotImplemented, noStore.do(http.MethodGet, "/api/v1/devices/SN1/latest", nil, false).Code)
}

func TestWithoutSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, NewDeviceHandler(HandlerOptions{}), cfgpkg.APIAuthConfig{}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
