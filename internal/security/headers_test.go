package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serve(h gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(h)
	r.GET("/v1/escrows", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(method, "/v1/escrows", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	w := serve(HeadersMiddleware(), http.MethodGet, "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantAllow   bool
		wantCredits bool
	}{
		{"listed origin", []string{"https://app.paycasso.io/"}, "https://app.paycasso.io", true, true},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"empty list allows all", nil, "https://anything.example", true, false},
		{"unlisted origin", []string{"https://app.paycasso.io"}, "https://evil.example", false, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(CORSMiddleware(tc.allowed), http.MethodGet, tc.origin)
			assert.Equal(t, tc.wantAllow, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.wantCredits, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	w := serve(CORSMiddleware(nil), http.MethodOptions, "https://app.paycasso.io")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}

type staticResolver map[string][]string

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	return s[host], nil
}

func TestValidateEndpointURL(t *testing.T) {
	r := staticResolver{
		"hooks.paycasso.io": {"34.120.1.10"},
		"sneaky.example":    {"10.0.0.5"},
	}
	ctx := context.Background()

	assert.NoError(t, ValidateEndpointURL(ctx, r, "https://hooks.paycasso.io/notify", false))

	for _, bad := range []string{
		"ftp://hooks.paycasso.io",
		"https://",
		"http://localhost:9000/hook",
		"http://127.0.0.1/hook",
		"http://169.254.169.254/latest",
		"http://192.168.1.4/hook",
		"https://sneaky.example/hook",
	} {
		assert.ErrorIs(t, ValidateEndpointURL(ctx, r, bad, false), ErrUnsafeEndpoint, bad)
	}

	assert.NoError(t, ValidateEndpointURL(ctx, r, "http://localhost:9000/hook", true))
}
