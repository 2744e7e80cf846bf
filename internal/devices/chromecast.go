package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vishen/go-chromecast/application"
	castdns "github.com/vishen/go-chromecast/dns"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

// castIdlePollInterval is how often Play checks whether the foreground
// app finished quitting before loading the stream.
const castIdlePollInterval = 100 * time.Millisecond

// ChromecastFinder discovers cast targets over mDNS. Each Find runs one
// bounded scan; there is no long-lived browser to tear down.
type ChromecastFinder struct {
	log *logger.Logger
}

func NewChromecastFinder(log *logger.Logger) *ChromecastFinder {
	return &ChromecastFinder{log: log.WithComponent("chromecast")}
}

func (f *ChromecastFinder) IsEnabled(cfg *config.Config) bool {
	return cfg.ChromecastEnabled
}

func (f *ChromecastFinder) Find(ctx context.Context, cfg *config.Config) ([]Device, error) {
	scanCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ChromecastScanTimeout)*time.Second)
	defer cancel()

	entries, err := castdns.DiscoverCastDNSEntries(scanCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("chromecast discovery: %w", err)
	}

	var devices []Device
	for entry := range entries {
		devices = append(devices, newChromecastDevice(entry, f.log))
	}
	// The scan deadline closing the channel is the normal end of a
	// pass; only the caller's deadline discards the result.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func (f *ChromecastFinder) Routes(cfg *config.Config) []Route {
	return nil
}

type chromecastDevice struct {
	entry castdns.CastEntry
	log   *logger.Logger

	mu  sync.Mutex
	app *application.Application
}

func newChromecastDevice(entry castdns.CastEntry, log *logger.Logger) *chromecastDevice {
	return &chromecastDevice{entry: entry, log: log}
}

func (d *chromecastDevice) Name() string {
	if d.entry.DeviceName != "" {
		return d.entry.DeviceName
	}
	return d.entry.UUID
}

// Stop is a no-op: Play quits whatever is in the foreground itself.
func (d *chromecastDevice) Stop(ctx context.Context) error {
	return nil
}

func (d *chromecastDevice) Play(ctx context.Context, url, title string, local token.Local) error {
	app := application.NewApplication()
	if err := app.Start(d.entry.GetAddr(), d.entry.GetPort()); err != nil {
		return fmt.Errorf("chromecast %s: connect: %w", d.Name(), err)
	}

	if err := d.ensureIdle(ctx, app); err != nil {
		app.Close(false)
		return err
	}

	// Detached load: the receiver accepted the media, playback runs on
	// its own.
	if err := app.Load(url, 0, "video/mp4", false, true, false); err != nil {
		app.Close(false)
		return fmt.Errorf("chromecast %s: load: %w", d.Name(), err)
	}

	d.mu.Lock()
	old := d.app
	d.app = app
	d.mu.Unlock()
	if old != nil {
		old.Close(false)
	}
	return nil
}

// ensureIdle quits a foreground app and waits for the receiver to
// report the idle screen.
func (d *chromecastDevice) ensureIdle(ctx context.Context, app *application.Application) error {
	if err := app.Update(); err != nil {
		return fmt.Errorf("chromecast %s: status: %w", d.Name(), err)
	}
	castApp, _, _ := app.Status()
	if castApp == nil || castApp.IsIdleScreen {
		return nil
	}

	if err := app.Stop(); err != nil {
		return fmt.Errorf("chromecast %s: quit foreground app: %w", d.Name(), err)
	}
	for {
		if err := app.Update(); err != nil {
			return fmt.Errorf("chromecast %s: status: %w", d.Name(), err)
		}
		castApp, _, _ = app.Status()
		if castApp == nil || castApp.AppId == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(castIdlePollInterval):
		}
	}
}

func (d *chromecastDevice) OnClose(ctx context.Context, local token.Local) error {
	d.mu.Lock()
	app := d.app
	d.app = nil
	d.mu.Unlock()

	if app == nil {
		return nil
	}
	return app.Close(false)
}

func (d *chromecastDevice) PlayerFunctions() []PlayerFunction {
	return []PlayerFunction{
		&chromecastFunction{name: "PAUSE", device: d, run: (*application.Application).Pause},
		&chromecastFunction{name: "PLAY", device: d, run: (*application.Application).Unpause},
		&chromecastFunction{name: "STOP", device: d, run: (*application.Application).StopMedia},
	}
}

type chromecastFunction struct {
	name   string
	device *chromecastDevice
	run    func(app *application.Application) error
}

func (f *chromecastFunction) Name() string {
	return f.name
}

func (f *chromecastFunction) IsEnabled(cfg *config.Config) bool {
	return true
}

func (f *chromecastFunction) Handle(ctx context.Context) error {
	f.device.mu.Lock()
	app := f.device.app
	f.device.mu.Unlock()

	if app == nil {
		return fmt.Errorf("chromecast %s: nothing playing", f.device.Name())
	}
	return f.run(app)
}
