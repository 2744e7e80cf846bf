package devices

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/token"
)

func webTestConfig() *config.Config {
	return &config.Config{
		WebUIEnabled:         true,
		WebUIPassword:        "letmein",
		DeviceRequestTimeout: 10,
	}
}

func setupWebRouter(f *WebFinder, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	for _, route := range f.Routes(cfg) {
		router.Handle(route.Method, route.Path, route.Handler)
	}
	return router
}

func webGet(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestWebRegisterWrongPassword(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())
	router := setupWebRouter(f, cfg)

	if w := webGet(router, "/web/api/register/nope"); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	devices, err := f.Find(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(devices) != 0 {
		t.Fatalf("registry has %d devices after refused register", len(devices))
	}
}

func TestWebRegisterAndPoll(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())
	router := setupWebRouter(f, cfg)

	w := webGet(router, "/web/api/register/letmein")
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, want 200", w.Code)
	}
	remote, err := strconv.ParseUint(w.Body.String(), 10, 64)
	if err != nil {
		t.Fatalf("register body %q is not a token: %v", w.Body.String(), err)
	}
	poll := "/web/api/poll/" + strconv.FormatUint(remote, 10)

	if w := webGet(router, poll); w.Code != http.StatusFound {
		t.Fatalf("idle poll status = %d, want 302", w.Code)
	}

	devices, err := f.Find(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Find returned %d devices, want 1", len(devices))
	}

	url := "http://example.com/stream/5/6"
	if err := devices[0].Play(context.Background(), url, "movie", token.Local{}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	if w := webGet(router, poll); w.Code != http.StatusOK || w.Body.String() != url {
		t.Fatalf("poll = %d %q, want 200 %q", w.Code, w.Body.String(), url)
	}

	// The URL is handed out once.
	if w := webGet(router, poll); w.Code != http.StatusFound {
		t.Fatalf("second poll status = %d, want 302", w.Code)
	}
}

func TestWebPollRejectsBadTokens(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())
	router := setupWebRouter(f, cfg)

	if w := webGet(router, "/web/api/poll/abc"); w.Code != http.StatusBadRequest {
		t.Fatalf("garbage token status = %d, want 400", w.Code)
	}
	if w := webGet(router, "/web/api/poll/12345"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d, want 404", w.Code)
	}
}

func TestWebStopClearsPending(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())
	router := setupWebRouter(f, cfg)

	w := webGet(router, "/web/api/register/letmein")
	poll := "/web/api/poll/" + w.Body.String()

	devices, _ := f.Find(context.Background(), cfg)
	devices[0].Play(context.Background(), "http://example.com/s", "t", token.Local{})
	devices[0].Stop(context.Background())

	if w := webGet(router, poll); w.Code != http.StatusFound {
		t.Fatalf("poll after stop = %d, want 302", w.Code)
	}
}

func TestWebOnCloseRemovesDevice(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())
	router := setupWebRouter(f, cfg)

	w := webGet(router, "/web/api/register/letmein")
	poll := "/web/api/poll/" + w.Body.String()

	devices, _ := f.Find(context.Background(), cfg)
	if err := devices[0].OnClose(context.Background(), token.Local{}); err != nil {
		t.Fatalf("OnClose: %v", err)
	}

	if w := webGet(router, poll); w.Code != http.StatusNotFound {
		t.Fatalf("poll after close = %d, want 404", w.Code)
	}
}

func TestWebFindEvictsSilentDevices(t *testing.T) {
	cfg := webTestConfig()
	f := NewWebFinder(testLogger())

	stale := newWebDevice(f, "web @(10.0.0.1)", 1)
	stale.touchedAt = time.Now().Add(-time.Duration(cfg.DeviceRequestTimeout+5) * time.Second)
	fresh := newWebDevice(f, "web @(10.0.0.2)", 2)

	f.devices[1] = stale
	f.devices[2] = fresh

	devices, err := f.Find(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(devices) != 1 || devices[0].Name() != "web @(10.0.0.2)" {
		t.Fatalf("Find = %v, want only the fresh device", devices)
	}
}
