package devices

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/av1"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

const (
	// Renewal runs a full unsubscribe/subscribe cycle; several TV
	// firmwares drop plain resubscribes.
	upnpResubscribeInterval = 10 * time.Second
	upnpSubscribeTimeout    = "Second-300"

	didlFlags = "21700000000000000000000000000000"
)

const didlTemplate = `
<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/"
    xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"
    xmlns:r="urn:schemas-rinconnetworks-com:metadata-1-0/"
    xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">
    <item id="R:0/0/0" parentID="R:0/0" restricted="true">
        <dc:title>%s</dc:title>
        <upnp:class>object.item.videoItem.movie</upnp:class>
        <desc id="cdudn" nameSpace="urn:schemas-rinconnetworks-com:metadata-1-0/">
            SA_RINCON65031_
        </desc>
        <res protocolInfo="http-get:*:video/mp4:DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=%s">%s</res>
    </item>
</DIDL-Lite>
`

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func didlMetadata(title, url string) string {
	return fmt.Sprintf(didlTemplate, xmlEscaper.Replace(title), didlFlags, xmlEscaper.Replace(url))
}

// stopErrorIsHarmless reports whether a Stop fault just means the
// renderer had nothing to stop.
func stopErrorIsHarmless(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "transition not available") ||
		strings.Contains(msg, "action stop failed")
}

// UpnpFinder discovers AVTransport renderers over SSDP. All of them
// share one notify handler, which owns the eventing endpoint.
type UpnpFinder struct {
	log    *logger.Logger
	notify *UpnpNotifyHandler
}

func NewUpnpFinder(log *logger.Logger) *UpnpFinder {
	l := log.WithComponent("upnp")
	return &UpnpFinder{log: l, notify: newUpnpNotifyHandler(l)}
}

func (f *UpnpFinder) IsEnabled(cfg *config.Config) bool {
	return cfg.UpnpEnabled
}

func (f *UpnpFinder) Find(ctx context.Context, cfg *config.Config) ([]Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.UpnpScanTimeout)*time.Second)
	defer cancel()

	clients, errs, err := av1.NewAVTransport1ClientsCtx(scanCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if scanCtx.Err() != nil {
			// The scan window closed mid-search; treat as an empty pass.
			return nil, nil
		}
		return nil, fmt.Errorf("upnp discovery: %w", err)
	}
	for _, derr := range errs {
		f.log.Debug("renderer skipped", "error", derr)
	}

	devices := make([]Device, 0, len(clients))
	for _, client := range clients {
		devices = append(devices, newUpnpDevice(client, cfg, f.notify, f.log))
	}
	return devices, nil
}

func (f *UpnpFinder) Routes(cfg *config.Config) []Route {
	return []Route{
		{Method: "NOTIFY", Path: "/upnp/notify/:local_token", Handler: f.notify.handleNotify},
	}
}

type upnpDevice struct {
	client *av1.AVTransport1
	cfg    *config.Config
	log    *logger.Logger
	notify *UpnpNotifyHandler

	mu  sync.Mutex
	sub *subscribeTask
}

func newUpnpDevice(client *av1.AVTransport1, cfg *config.Config, notify *UpnpNotifyHandler, log *logger.Logger) *upnpDevice {
	return &upnpDevice{client: client, cfg: cfg, log: log, notify: notify}
}

func (d *upnpDevice) Name() string {
	return d.client.RootDevice.Device.FriendlyName
}

func (d *upnpDevice) Stop(ctx context.Context) error {
	if err := d.client.StopCtx(ctx, 0); err != nil && !stopErrorIsHarmless(err) {
		return fmt.Errorf("upnp %s: stop: %w", d.Name(), err)
	}
	return nil
}

func (d *upnpDevice) Play(ctx context.Context, url, title string, local token.Local) error {
	meta := didlMetadata(AsciiOnly(title), url)
	if err := d.client.SetAVTransportURICtx(ctx, 0, url, meta); err != nil {
		return fmt.Errorf("upnp %s: set uri: %w", d.Name(), err)
	}

	d.notify.add(local, &upnpSession{
		reconnect: func(ctx context.Context) error {
			return d.client.PlayCtx(ctx, 0, "1")
		},
	})

	if eventURL := d.client.Service.EventSubURL; eventURL.Ok {
		callback := fmt.Sprintf("http://%s:%d/upnp/notify/%s",
			d.cfg.ListenHost, d.cfg.ListenPort, local)
		sub := newSubscribeTask(eventURL.URL.String(), callback, d.log)
		sub.Start()

		d.mu.Lock()
		old := d.sub
		d.sub = sub
		d.mu.Unlock()
		if old != nil {
			old.Stop()
		}
	} else {
		d.log.Error("renderer exposes no event endpoint", "device", d.Name())
	}

	if err := d.client.PlayCtx(ctx, 0, "1"); err != nil {
		return fmt.Errorf("upnp %s: play: %w", d.Name(), err)
	}
	return nil
}

func (d *upnpDevice) OnClose(ctx context.Context, local token.Local) error {
	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	d.notify.remove(local)
	return nil
}

func (d *upnpDevice) PlayerFunctions() []PlayerFunction {
	return []PlayerFunction{
		&upnpFunction{name: "PLAY", device: d, run: func(ctx context.Context) error {
			return d.client.PlayCtx(ctx, 0, "1")
		}},
		&upnpFunction{name: "PAUSE", device: d, run: func(ctx context.Context) error {
			return d.client.PauseCtx(ctx, 0)
		}},
	}
}

type upnpFunction struct {
	name   string
	device *upnpDevice
	run    func(ctx context.Context) error
}

func (f *upnpFunction) Name() string {
	return f.name
}

func (f *upnpFunction) IsEnabled(cfg *config.Config) bool {
	return cfg.UpnpEnabled
}

func (f *upnpFunction) Handle(ctx context.Context) error {
	return f.run(ctx)
}

// subscribeTask keeps one GENA subscription alive until stopped.
type subscribeTask struct {
	log      *logger.Logger
	client   *http.Client
	eventURL string
	callback string

	mu     sync.Mutex
	sid    string
	cancel context.CancelFunc
	done   chan struct{}
}

func newSubscribeTask(eventURL, callback string, log *logger.Logger) *subscribeTask {
	return &subscribeTask{
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
		eventURL: eventURL,
		callback: callback,
	}
}

func (t *subscribeTask) Start() {
	t.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.loop(ctx, done)
}

// Stop cancels the renewal loop and drops the active subscription.
func (t *subscribeTask) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	ctx, cancelT := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelT()
	t.unsubscribe(ctx)
}

func (t *subscribeTask) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	t.subscribe(ctx)
	ticker := time.NewTicker(upnpResubscribeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.unsubscribe(ctx)
			t.subscribe(ctx)
		}
	}
}

func (t *subscribeTask) subscribe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", t.eventURL, nil)
	if err != nil {
		t.log.Error("build subscribe request", "url", t.eventURL, "error", err)
		return
	}
	// Old firmwares want the GENA headers upper-case exactly.
	req.Header["CALLBACK"] = []string{"<" + t.callback + ">"}
	req.Header["NT"] = []string{"upnp:event"}
	req.Header["TIMEOUT"] = []string{upnpSubscribeTimeout}

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Error("subscribe failed", "url", t.eventURL, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.log.Error("subscribe refused", "url", t.eventURL, "status", resp.StatusCode)
		return
	}

	t.mu.Lock()
	t.sid = resp.Header.Get("SID")
	t.mu.Unlock()
}

func (t *subscribeTask) unsubscribe(ctx context.Context) {
	t.mu.Lock()
	sid := t.sid
	t.sid = ""
	t.mu.Unlock()

	if sid == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", t.eventURL, nil)
	if err != nil {
		return
	}
	req.Header["SID"] = []string{sid}

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Debug("unsubscribe failed", "url", t.eventURL, "error", err)
		return
	}
	resp.Body.Close()
}
