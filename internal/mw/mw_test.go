package mw

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func serve(engine *gin.Engine, method, path, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestLimiter_PerRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	lim := NewLimiter(rate.Every(time.Hour), 1, time.Minute)
	r := gin.New()
	r.Use(lim.Handler())
	r.GET("/a", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/b", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := serve(r, http.MethodGet, "/a", ""); w.Code != http.StatusOK {
		t.Fatalf("first /a = %d, want 200", w.Code)
	}
	if w := serve(r, http.MethodGet, "/a", ""); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second /a = %d, want 429", w.Code)
	}
	if w := serve(r, http.MethodGet, "/b", ""); w.Code != http.StatusOK {
		t.Fatalf("first /b = %d, want 200 (separate bucket)", w.Code)
	}
}

func TestLimiter_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lim := NewLimiter(rate.Every(time.Second), 1, time.Minute)
	lim.now = func() time.Time { return now }

	lim.get("old")
	now = now.Add(2 * time.Minute)
	lim.get("fresh")

	if n := lim.Sweep(); n != 1 {
		t.Errorf("Sweep() removed %d, want 1", n)
	}
	if _, ok := lim.buckets["fresh"]; !ok {
		t.Error("Sweep() removed a fresh bucket")
	}
	if _, ok := lim.buckets["old"]; ok {
		t.Error("Sweep() kept an expired bucket")
	}
}

func TestCORS_Wildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"*"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, http.MethodGet, "/x", "http://anywhere.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://anywhere.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	w = serve(r, http.MethodGet, "/x", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("same-origin request got Access-Control-Allow-Origin %q", got)
	}
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	r := gin.New()
	r.Use(RequestLogger())
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	serve(r, http.MethodGet, "/boom", "")

	out := buf.String()
	for _, want := range []string{`"level":"error"`, `"path":"/boom"`, `"status":500`, `"message":"http request"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}
