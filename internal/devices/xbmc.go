package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

// XbmcFinder lists the statically configured Kodi/XBMC endpoints. There
// is no network discovery for these; the config is the inventory.
type XbmcFinder struct {
	log *logger.Logger
}

func NewXbmcFinder(log *logger.Logger) *XbmcFinder {
	return &XbmcFinder{log: log.WithComponent("xbmc")}
}

func (f *XbmcFinder) IsEnabled(cfg *config.Config) bool {
	return cfg.XbmcEnabled
}

func (f *XbmcFinder) Find(ctx context.Context, cfg *config.Config) ([]Device, error) {
	devices := make([]Device, 0, len(cfg.XbmcDevices))
	for _, dev := range cfg.XbmcDevices {
		devices = append(devices, newXbmcDevice(dev, f.log))
	}
	return devices, nil
}

func (f *XbmcFinder) Routes(cfg *config.Config) []Route {
	return nil
}

type xbmcDevice struct {
	cfg    config.XbmcDevice
	url    string
	client *http.Client
	log    *logger.Logger
}

func newXbmcDevice(cfg config.XbmcDevice, log *logger.Logger) *xbmcDevice {
	return &xbmcDevice{
		cfg:    cfg,
		url:    fmt.Sprintf("http://%s:%d/jsonrpc", cfg.Host, cfg.Port),
		client: &http.Client{},
		log:    log,
	}
}

func (d *xbmcDevice) Name() string {
	return "xbmc @" + d.cfg.Host
}

type xbmcActivePlayer struct {
	PlayerID int    `json:"playerid"`
	Type     string `json:"type"`
}

// call performs one JSON-RPC request. Kodi being unreachable or
// unhappy is not fatal to the bot conversation, so failures are logged
// and reported as a missing result rather than returned as errors.
func (d *xbmcDevice) call(ctx context.Context, method string, params map[string]interface{}) (json.RawMessage, bool) {
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"id":      uuid.NewString(),
		"params":  params,
	})
	if err != nil {
		d.log.Error("encode request", "method", method, "error", err)
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		d.log.Error("build request", "method", method, "error", err)
		return nil, false
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.Username != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Error("request failed", "host", d.cfg.Host, "method", method, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		d.log.Error("password is incorrect", "host", d.cfg.Host)
		return nil, false
	}
	if resp.StatusCode != http.StatusOK {
		d.log.Error("unexpected status", "host", d.cfg.Host, "method", method, "status", resp.StatusCode)
		return nil, false
	}

	var parsed struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		d.log.Error("decode response", "host", d.cfg.Host, "method", method, "error", err)
		return nil, false
	}
	if parsed.Error != nil {
		d.log.Error("rpc error", "host", d.cfg.Host, "method", method,
			"code", parsed.Error.Code, "message", parsed.Error.Message)
		return nil, false
	}
	return parsed.Result, true
}

func (d *xbmcDevice) Stop(ctx context.Context) error {
	raw, ok := d.call(ctx, "Player.GetActivePlayers", map[string]interface{}{})
	if !ok {
		return nil
	}

	var players []xbmcActivePlayer
	if err := json.Unmarshal(raw, &players); err != nil {
		d.log.Error("decode active players", "host", d.cfg.Host, "error", err)
		return nil
	}
	if len(players) == 0 {
		return nil
	}

	d.call(ctx, "Player.Stop", map[string]interface{}{"playerid": players[0].PlayerID})
	return nil
}

func (d *xbmcDevice) Play(ctx context.Context, url, title string, local token.Local) error {
	d.call(ctx, "Playlist.Clear", map[string]interface{}{"playlistid": 0})
	d.call(ctx, "Playlist.Add", map[string]interface{}{
		"playlistid": 0,
		"item":       map[string]interface{}{"file": url},
	})
	d.call(ctx, "Player.Open", map[string]interface{}{
		"item":    map[string]interface{}{"playlistid": 0},
		"options": map[string]interface{}{"repeat": "one"},
	})
	return nil
}

func (d *xbmcDevice) OnClose(ctx context.Context, local token.Local) error {
	return nil
}

func (d *xbmcDevice) PlayerFunctions() []PlayerFunction {
	return nil
}
