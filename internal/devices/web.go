package devices

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qpov/castbridge/internal/config"
	apperrors "github.com/qpov/castbridge/internal/errors"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

// WebFinder keeps the registry of browser-backed players. A device
// exists from the moment the page registers until it stops polling for
// longer than device_request_timeout.
type WebFinder struct {
	log *logger.Logger

	mu      sync.Mutex
	devices map[uint64]*webDevice
}

func NewWebFinder(log *logger.Logger) *WebFinder {
	return &WebFinder{
		log:     log.WithComponent("web"),
		devices: make(map[uint64]*webDevice),
	}
}

func (f *WebFinder) IsEnabled(cfg *config.Config) bool {
	return cfg.WebUIEnabled
}

// Find sweeps devices that went silent and returns the remainder. The
// sweep itself counts as a poll, so one pass never evicts twice.
func (f *WebFinder) Find(ctx context.Context, cfg *config.Config) ([]Device, error) {
	horizon := time.Now().Add(-time.Duration(cfg.DeviceRequestTimeout) * time.Second)

	f.mu.Lock()
	defer f.mu.Unlock()

	for remote, dev := range f.devices {
		if dev.touch().Before(horizon) {
			delete(f.devices, remote)
		}
	}

	devices := make([]Device, 0, len(f.devices))
	for _, dev := range f.devices {
		devices = append(devices, dev)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name() < devices[j].Name() })
	return devices, nil
}

func (f *WebFinder) Routes(cfg *config.Config) []Route {
	return []Route{
		{Method: http.MethodGet, Path: "/web/api/register/:password", Handler: f.handleRegister(cfg)},
		{Method: http.MethodGet, Path: "/web/api/poll/:remote_token", Handler: f.handlePoll},
	}
}

func (f *WebFinder) handleRegister(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("password") != cfg.WebUIPassword {
			apperrors.AbortWithForbidden(c, "wrong password", nil)
			return
		}

		remote, err := token.NewRemote()
		if err != nil {
			f.log.Error("mint remote token", "error", err)
			apperrors.AbortWithInternal(c, "token mint failed", nil)
			return
		}

		dev := newWebDevice(f, fmt.Sprintf("web @(%s)", c.ClientIP()), remote)

		f.mu.Lock()
		f.devices[remote] = dev
		f.mu.Unlock()

		c.String(http.StatusOK, strconv.FormatUint(remote, 10))
	}
}

func (f *WebFinder) handlePoll(c *gin.Context) {
	remote, err := strconv.ParseUint(c.Param("remote_token"), 10, 64)
	if err != nil {
		apperrors.AbortWithBadRequest(c, "malformed device token", nil)
		return
	}

	f.mu.Lock()
	dev, ok := f.devices[remote]
	f.mu.Unlock()
	if !ok {
		apperrors.AbortWithNotFound(c, "unknown device token", nil)
		return
	}

	dev.touch()
	url, ok := dev.takeURL()
	if !ok {
		// No work yet. 302 keeps dumb poll loops going without a body.
		c.Status(http.StatusFound)
		return
	}
	c.String(http.StatusOK, url)
}

func (f *WebFinder) remove(remote uint64) {
	f.mu.Lock()
	delete(f.devices, remote)
	f.mu.Unlock()
}

type webDevice struct {
	finder *WebFinder
	name   string
	remote uint64

	mu        sync.Mutex
	pending   string
	touchedAt time.Time
}

func newWebDevice(finder *WebFinder, name string, remote uint64) *webDevice {
	return &webDevice{
		finder:    finder,
		name:      name,
		remote:    remote,
		touchedAt: time.Now(),
	}
}

func (d *webDevice) Name() string {
	return d.name
}

func (d *webDevice) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.pending = ""
	d.mu.Unlock()
	return nil
}

func (d *webDevice) Play(ctx context.Context, url, title string, local token.Local) error {
	d.mu.Lock()
	d.pending = url
	d.mu.Unlock()
	return nil
}

func (d *webDevice) OnClose(ctx context.Context, local token.Local) error {
	d.finder.remove(d.remote)
	return nil
}

func (d *webDevice) PlayerFunctions() []PlayerFunction {
	return nil
}

// touch refreshes the poll timestamp and reports the previous one.
func (d *webDevice) touch() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.touchedAt
	d.touchedAt = time.Now()
	return old
}

// takeURL hands out the pending URL at most once.
func (d *webDevice) takeURL() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	url := d.pending
	d.pending = ""
	return url, url != ""
}
