package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/logger"
)

// FinderCollection holds the registered finders and runs discovery
// passes across the enabled ones.
type FinderCollection struct {
	log     *logger.Logger
	finders []Finder
}

func NewFinderCollection(log *logger.Logger) *FinderCollection {
	return &FinderCollection{log: log.WithComponent("devices")}
}

func (c *FinderCollection) Register(f Finder) {
	c.finders = append(c.finders, f)
}

// Finders returns the registered finders enabled by cfg, in
// registration order.
func (c *FinderCollection) Finders(cfg *config.Config) []Finder {
	var enabled []Finder
	for _, f := range c.finders {
		if f.IsEnabled(cfg) {
			enabled = append(enabled, f)
		}
	}
	return enabled
}

// Routes aggregates the endpoints of every enabled finder.
func (c *FinderCollection) Routes(cfg *config.Config) []Route {
	var routes []Route
	for _, f := range c.Finders(cfg) {
		routes = append(routes, f.Routes(cfg)...)
	}
	return routes
}

// FindAll runs one discovery pass over the enabled finders. Each finder
// gets device_request_timeout+1 seconds; a scan cut short by its
// deadline is skipped and its partial result discarded.
func (c *FinderCollection) FindAll(ctx context.Context, cfg *config.Config) ([]Device, error) {
	bound := time.Duration(cfg.DeviceRequestTimeout+1) * time.Second

	var found []Device
	for _, f := range c.Finders(cfg) {
		fctx, cancel := context.WithTimeout(ctx, bound)
		devices, err := f.Find(fctx, cfg)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				c.log.Debug("discovery pass timed out", "finder", fmt.Sprintf("%T", f))
				continue
			}
			return nil, fmt.Errorf("discovery %T: %w", f, err)
		}
		c.log.Debug("discovery pass done", "finder", fmt.Sprintf("%T", f), "devices", len(devices))
		found = append(found, devices...)
	}
	return found, nil
}
