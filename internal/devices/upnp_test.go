package devices

import (
	"bytes"
	"context"
	"errors"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qpov/castbridge/internal/token"
)

// notifyBody builds a realistic GENA NOTIFY payload: a propertyset
// whose LastChange value is an escaped AVTransport event document.
func notifyBody(inner string) []byte {
	event := `<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"><InstanceID val="0">` +
		inner + `</InstanceID></Event>`
	return []byte(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0"><e:property><LastChange>` +
		html.EscapeString(event) + `</LastChange></e:property></e:propertyset>`)
}

func TestParseTransportStatus(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		want upnpStatus
	}{
		{"ok", notifyBody(`<TransportStatus val="OK"/>`), upnpStatusPlaying},
		{"error", notifyBody(`<TransportStatus val="ERROR_OCCURRED"/>`), upnpStatusError},
		{"stopped", notifyBody(`<TransportStatus val="STOPPED"/>`), upnpStatusStopped},
		{"error beats earlier ok", notifyBody(`<TransportStatus val="OK"/><TransportStatus val="ERROR_OCCURRED"/>`), upnpStatusError},
		{"transport state is not status", notifyBody(`<TransportState val="PLAYING"/>`), upnpStatusNothing},
		{"wrong namespace", []byte(`<Event xmlns="urn:other"><TransportStatus val="OK"/></Event>`), upnpStatusNothing},
		{"empty event", notifyBody(``), upnpStatusNothing},
		{"garbage", []byte("<<< not xml"), upnpStatusNothing},
	}
	for _, tc := range cases {
		if got := parseTransportStatus(tc.body); got != tc.want {
			t.Errorf("%s: parseTransportStatus = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func setupNotifyRouter(h *UpnpNotifyHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Handle("NOTIFY", "/upnp/notify/:local_token", h.handleNotify)
	return router
}

func sendNotify(router *gin.Engine, local string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("NOTIFY", "/upnp/notify/"+local, bytes.NewReader(body))
	router.ServeHTTP(w, req)
	return w
}

func TestNotifyStateMachine(t *testing.T) {
	h := newUpnpNotifyHandler(testLogger())
	router := setupNotifyRouter(h)

	local := token.NewLocal(1, 2)
	var restarts int
	h.add(local, &upnpSession{reconnect: func(ctx context.Context) error {
		restarts++
		return nil
	}})
	key := local.String()

	if w := sendNotify(router, key, notifyBody(`<TransportStatus val="OK"/>`)); w.Code != http.StatusOK {
		t.Fatalf("playing notify status = %d", w.Code)
	}

	sendNotify(router, key, notifyBody(`<TransportStatus val="ERROR_OCCURRED"/>`))
	if restarts != 0 {
		t.Fatal("restarted before the renderer went quiet")
	}

	sendNotify(router, key, notifyBody(``))
	if restarts != 1 {
		t.Fatalf("restarts = %d after error plus quiet, want 1", restarts)
	}

	// The state machine cleared its flags; further quiet events do
	// nothing until the renderer plays and errors again.
	sendNotify(router, key, notifyBody(``))
	if restarts != 1 {
		t.Fatalf("restarts = %d, want still 1", restarts)
	}
}

func TestNotifyErrorWhileNotPlayingIsIgnored(t *testing.T) {
	h := newUpnpNotifyHandler(testLogger())
	router := setupNotifyRouter(h)

	local := token.NewLocal(3, 4)
	var restarts int
	h.add(local, &upnpSession{reconnect: func(ctx context.Context) error {
		restarts++
		return nil
	}})
	key := local.String()

	sendNotify(router, key, notifyBody(`<TransportStatus val="ERROR_OCCURRED"/>`))
	sendNotify(router, key, notifyBody(``))
	if restarts != 0 {
		t.Fatalf("restarts = %d for an error before playback, want 0", restarts)
	}
}

func TestNotifyRejections(t *testing.T) {
	h := newUpnpNotifyHandler(testLogger())
	router := setupNotifyRouter(h)

	if w := sendNotify(router, "abc", notifyBody(``)); w.Code != http.StatusBadRequest {
		t.Errorf("garbage token status = %d, want 400", w.Code)
	}
	if w := sendNotify(router, "12345", notifyBody(``)); w.Code != http.StatusForbidden {
		t.Errorf("unknown token status = %d, want 403", w.Code)
	}
}

func TestStopErrorIsHarmless(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("SOAP fault 701: Transition not available"), true},
		{errors.New("Action Stop failed"), true},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := stopErrorIsHarmless(tc.err); got != tc.want {
			t.Errorf("stopErrorIsHarmless(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestDidlMetadata(t *testing.T) {
	meta := didlMetadata("T&V <Show>", "http://host:8080/stream/1/2?a=1&b=2")

	for _, want := range []string{
		"<dc:title>T&amp;V &lt;Show&gt;</dc:title>",
		"http://host:8080/stream/1/2?a=1&amp;b=2",
		"DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=" + didlFlags,
		"object.item.videoItem.movie",
	} {
		if !strings.Contains(meta, want) {
			t.Errorf("metadata missing %q:\n%s", want, meta)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSubscribeTaskLifecycle(t *testing.T) {
	type gena struct {
		method   string
		callback string
		nt       string
		timeout  string
		sid      string
	}
	var mu sync.Mutex
	var calls []gena

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, gena{
			method:   r.Method,
			callback: r.Header.Get("CALLBACK"),
			nt:       r.Header.Get("NT"),
			timeout:  r.Header.Get("TIMEOUT"),
			sid:      r.Header.Get("SID"),
		})
		mu.Unlock()
		if r.Method == "SUBSCRIBE" {
			w.Header().Set("SID", "uuid:sub-1")
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	task := newSubscribeTask(srv.URL+"/event", "http://10.0.0.5:8080/upnp/notify/77", testLogger())
	task.Start()

	waitFor(t, func() bool {
		task.mu.Lock()
		defer task.mu.Unlock()
		return task.sid != ""
	})

	task.Stop()

	mu.Lock()
	defer mu.Unlock()
	first := calls[0]
	if first.method != "SUBSCRIBE" {
		t.Fatalf("first call = %s, want SUBSCRIBE", first.method)
	}
	if first.callback != "<http://10.0.0.5:8080/upnp/notify/77>" {
		t.Errorf("CALLBACK = %q", first.callback)
	}
	if first.nt != "upnp:event" || first.timeout != "Second-300" {
		t.Errorf("NT = %q, TIMEOUT = %q", first.nt, first.timeout)
	}

	last := calls[len(calls)-1]
	if last.method != "UNSUBSCRIBE" || last.sid != "uuid:sub-1" {
		t.Errorf("last call = %s sid %q, want UNSUBSCRIBE with the issued sid", last.method, last.sid)
	}
}
