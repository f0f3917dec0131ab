package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func doProbe(t *testing.T, mutate func(*http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	got := map[string]any{}
	r.Use(IdentityMiddleware())
	r.GET("/probe", func(c *gin.Context) {
		got["userId"], _ = c.Get("userId")
		got["username"], _ = c.Get("username")
		got["color"], _ = c.Get("color")
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, got
}

func TestIdentity_FromHeaders(t *testing.T) {
	w, got := doProbe(t, func(req *http.Request) {
		req.Header.Set("X-User-Id", "42")
		req.Header.Set("X-Username", "saoul")
		req.Header.Set("X-User-Color", "#e6194b")
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got["userId"] != uint64(42) {
		t.Fatalf("userId = %v, want uint64(42)", got["userId"])
	}
	if got["username"] != "saoul" || got["color"] != "#e6194b" {
		t.Fatalf("identity = %v", got)
	}
}

func TestIdentity_QueryFallback(t *testing.T) {
	// WebSocket 握手发不了自定义 Header，走 query
	w, got := doProbe(t, func(req *http.Request) {
		req.URL.RawQuery = "userId=7&username=guest&color=%23008080"
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got["userId"] != uint64(7) || got["username"] != "guest" || got["color"] != "#008080" {
		t.Fatalf("identity = %v", got)
	}
}

func TestIdentity_HeaderTakesPrecedence(t *testing.T) {
	_, got := doProbe(t, func(req *http.Request) {
		req.Header.Set("X-User-Id", "42")
		req.URL.RawQuery = "userId=7"
	})
	if got["userId"] != uint64(42) {
		t.Fatalf("userId = %v, want header value 42", got["userId"])
	}
}

func TestIdentity_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing", nil},
		{"non-numeric", func(req *http.Request) { req.Header.Set("X-User-Id", "abc") }},
		{"zero", func(req *http.Request) { req.Header.Set("X-User-Id", "0") }},
		{"negative", func(req *http.Request) { req.Header.Set("X-User-Id", "-5") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, got := doProbe(t, tc.mutate)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if _, ok := got["userId"]; ok && got["userId"] != nil {
				t.Fatalf("handler must not run, saw identity %v", got)
			}
		})
	}
}
