package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppMetricsExposed(t *testing.T) {
	reg := NewRegistry()
	m := NewAppMetrics(reg)

	m.FrameDecodeTotal.WithLabelValues("checksum").Inc()
	m.DroppedTotal.WithLabelValues("checksum").Add(2)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FrameDecodeTotal.WithLabelValues("checksum")))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `solix_messages_dropped_total{reason="checksum"} 2`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}
