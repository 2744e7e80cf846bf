package devices

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/token"
)

type kodiCall struct {
	Jsonrpc string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	ID      string                 `json:"id"`
	Params  map[string]interface{} `json:"params"`

	auth string
}

// newKodiServer fakes the Kodi JSON-RPC endpoint, recording every call
// and answering each method with the canned result (default null).
func newKodiServer(t *testing.T, results map[string]string) (*httptest.Server, func() []kodiCall) {
	t.Helper()

	var mu sync.Mutex
	var calls []kodiCall

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call kodiCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		call.auth = r.Header.Get("Authorization")

		mu.Lock()
		calls = append(calls, call)
		mu.Unlock()

		result, ok := results[call.Method]
		if !ok {
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":%s}`, call.ID, result)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []kodiCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]kodiCall(nil), calls...)
	}
}

func kodiDeviceFor(t *testing.T, srv *httptest.Server, username, password string) *xbmcDevice {
	t.Helper()

	host, portRaw, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	return newXbmcDevice(config.XbmcDevice{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, testLogger())
}

func TestXbmcPlaySendsPlaylistSequence(t *testing.T) {
	srv, calls := newKodiServer(t, nil)
	dev := kodiDeviceFor(t, srv, "", "")

	url := "http://example.com/stream/1/2"
	if err := dev.Play(context.Background(), url, "movie", token.Local{}); err != nil {
		t.Fatalf("Play: %v", err)
	}

	got := calls()
	want := []string{"Playlist.Clear", "Playlist.Add", "Player.Open"}
	if len(got) != len(want) {
		t.Fatalf("got %d calls, want %d", len(got), len(want))
	}
	for i, method := range want {
		if got[i].Method != method {
			t.Errorf("call %d method = %q, want %q", i, got[i].Method, method)
		}
		if got[i].Jsonrpc != "2.0" {
			t.Errorf("call %d jsonrpc = %q", i, got[i].Jsonrpc)
		}
		if got[i].ID == "" {
			t.Errorf("call %d has no id", i)
		}
	}
	if got[0].ID == got[1].ID {
		t.Error("call ids are not unique")
	}

	if got[0].Params["playlistid"] != float64(0) {
		t.Errorf("Playlist.Clear params = %v", got[0].Params)
	}
	item, _ := got[1].Params["item"].(map[string]interface{})
	if item["file"] != url {
		t.Errorf("Playlist.Add item = %v, want file %q", item, url)
	}
	options, _ := got[2].Params["options"].(map[string]interface{})
	if options["repeat"] != "one" {
		t.Errorf("Player.Open options = %v, want repeat one", options)
	}
}

func TestXbmcStopStopsFirstActivePlayer(t *testing.T) {
	srv, calls := newKodiServer(t, map[string]string{
		"Player.GetActivePlayers": `[{"playerid":2,"type":"video"},{"playerid":3,"type":"audio"}]`,
	})
	dev := kodiDeviceFor(t, srv, "", "")

	if err := dev.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := calls()
	if len(got) != 2 || got[0].Method != "Player.GetActivePlayers" || got[1].Method != "Player.Stop" {
		t.Fatalf("calls = %v, want GetActivePlayers then Stop", got)
	}
	if got[1].Params["playerid"] != float64(2) {
		t.Errorf("Player.Stop params = %v, want playerid 2", got[1].Params)
	}
}

func TestXbmcStopWithoutActivePlayers(t *testing.T) {
	srv, calls := newKodiServer(t, map[string]string{
		"Player.GetActivePlayers": `[]`,
	})
	dev := kodiDeviceFor(t, srv, "", "")

	if err := dev.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := calls(); len(got) != 1 {
		t.Fatalf("got %d calls, want just the player query", len(got))
	}
}

func TestXbmcBasicAuth(t *testing.T) {
	srv, calls := newKodiServer(t, nil)

	dev := kodiDeviceFor(t, srv, "kodi", "secret")
	if err := dev.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := calls()
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("kodi:secret"))
	if got[0].auth != wantAuth {
		t.Errorf("Authorization = %q, want %q", got[0].auth, wantAuth)
	}

	anon := kodiDeviceFor(t, srv, "", "ignored")
	if err := anon.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := calls(); got[len(got)-1].auth != "" {
		t.Errorf("anonymous call carried Authorization %q", got[len(got)-1].auth)
	}
}

func TestXbmcSwallowsRPCError(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"method not found"}}`)
	}))
	t.Cleanup(srv.Close)

	dev := kodiDeviceFor(t, srv, "", "")
	if err := dev.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Fatalf("got %d requests, want the failed query to end the command", requests)
	}
}

func TestXbmcUnreachableHostIsNotFatal(t *testing.T) {
	srv, _ := newKodiServer(t, nil)
	dev := kodiDeviceFor(t, srv, "", "")
	srv.Close()

	if err := dev.Play(context.Background(), "http://example.com/s", "t", token.Local{}); err != nil {
		t.Fatalf("Play after server went away: %v", err)
	}
}
