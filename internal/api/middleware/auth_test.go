package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	cfgpkg "github.com/taoyao-code/solix-gateway/internal/config"
)

func newRouter(cfg cfgpkg.APIAuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(APIKeyAuth(cfg, nil))
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextAPIKey))
	})
	return r
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := cfgpkg.APIAuthConfig{Enabled: true, APIKeys: []string{"sk_live_0123456789"}}

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{name: "缺少密钥", want: http.StatusUnauthorized},
		{name: "X-API-Key正确", header: map[string]string{"X-API-Key": "sk_live_0123456789"}, want: http.StatusOK},
		{name: "Bearer正确", header: map[string]string{"Authorization": "Bearer sk_live_0123456789"}, want: http.StatusOK},
		{name: "密钥错误", header: map[string]string{"X-API-Key": "wrong"}, want: http.StatusForbidden},
		{name: "非Bearer格式", header: map[string]string{"Authorization": "Basic abc"}, want: http.StatusUnauthorized},
	}
	r := newRouter(cfg)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "sk_l****6789", w.Body.String())
			}
		})
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	r := newRouter(cfgpkg.APIAuthConfig{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", MaskAPIKey("short"))
	assert.Equal(t, "abcd****mnop", MaskAPIKey("abcdefghijklmnop"))
}
