package devices

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

// VLC telnet control: a greeting ending in IAC WILL ECHO means the
// server wants a password; a successful login answers IAC WONT ECHO
// followed by the welcome banner.
var (
	vlcLineEnd   = []byte("\n\r")
	vlcAuthMagic = []byte{0xff, 0xfb, 0x01}
	vlcAuthOK    = append([]byte{0xff, 0xfc, 0x01}, "\r\nWelcome"...)
)

// VlcFinder lists the statically configured VLC telnet endpoints.
type VlcFinder struct {
	log *logger.Logger
}

func NewVlcFinder(log *logger.Logger) *VlcFinder {
	return &VlcFinder{log: log.WithComponent("vlc")}
}

func (f *VlcFinder) IsEnabled(cfg *config.Config) bool {
	return cfg.VlcEnabled
}

func (f *VlcFinder) Find(ctx context.Context, cfg *config.Config) ([]Device, error) {
	devices := make([]Device, 0, len(cfg.VlcDevices))
	for _, dev := range cfg.VlcDevices {
		devices = append(devices, newVlcDevice(dev, f.log))
	}
	return devices, nil
}

func (f *VlcFinder) Routes(cfg *config.Config) []Route {
	return nil
}

type vlcDevice struct {
	cfg config.VlcDevice
	log *logger.Logger
}

func newVlcDevice(cfg config.VlcDevice, log *logger.Logger) *vlcDevice {
	return &vlcDevice{cfg: cfg, log: log}
}

func (d *vlcDevice) Name() string {
	return "vlc @" + d.cfg.Host
}

// command opens a fresh connection, logs in when the greeting asks for
// it and sends one command line. A refused or misconfigured login is
// logged and dropped; transport failures are the caller's problem.
func (d *vlcDevice) command(ctx context.Context, method string, args ...string) error {
	var dialer net.Dialer
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("vlc %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("vlc %s: read greeting: %w", addr, err)
	}

	if bytes.HasSuffix(buf[:n], vlcAuthMagic) {
		if d.cfg.Password == "" {
			d.log.Error("server needs a password", "host", d.cfg.Host)
			return nil
		}
		if _, err := conn.Write(append([]byte(d.cfg.Password), vlcLineEnd...)); err != nil {
			return fmt.Errorf("vlc %s: send password: %w", addr, err)
		}
		n, err = conn.Read(buf)
		if err != nil {
			return fmt.Errorf("vlc %s: read login reply: %w", addr, err)
		}
		if !bytes.HasPrefix(buf[:n], vlcAuthOK) {
			d.log.Error("wrong password", "host", d.cfg.Host)
			return nil
		}
	}

	line := method + " " + strings.Join(args, " ")
	if _, err := conn.Write(append([]byte(line), vlcLineEnd...)); err != nil {
		return fmt.Errorf("vlc %s: send %s: %w", addr, method, err)
	}
	return nil
}

func (d *vlcDevice) Stop(ctx context.Context) error {
	return d.command(ctx, "stop")
}

func (d *vlcDevice) Play(ctx context.Context, url, title string, local token.Local) error {
	if err := d.command(ctx, "add", url); err != nil {
		return err
	}
	return d.command(ctx, "play")
}

func (d *vlcDevice) OnClose(ctx context.Context, local token.Local) error {
	return nil
}

func (d *vlcDevice) PlayerFunctions() []PlayerFunction {
	return nil
}
