// Package devices defines the renderer abstraction shared by every
// playback backend (UPnP/DLNA, Chromecast, Kodi, VLC, the web player)
// and the discovery collection the bot drives.
package devices

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/token"
)

// PlayerFunction is one extra control a device exposes after playback
// started (pause, resume and the like). The bot renders one inline
// button per enabled function.
type PlayerFunction interface {
	Name() string
	IsEnabled(cfg *config.Config) bool
	Handle(ctx context.Context) error
}

// Device is a single discovered renderer.
type Device interface {
	// Name is the label shown on the bot keyboard.
	Name() string

	// Stop halts whatever the renderer is currently doing. Called
	// right before Play so a busy renderer accepts the new URI.
	Stop(ctx context.Context) error

	// Play makes the renderer fetch and play url. The local token
	// identifies the stream session the device belongs to.
	Play(ctx context.Context, url, title string, local token.Local) error

	// OnClose releases per-session resources once the stream is gone.
	OnClose(ctx context.Context, local token.Local) error

	PlayerFunctions() []PlayerFunction
}

// Route is an HTTP endpoint a finder contributes to the gateway.
type Route struct {
	Method  string
	Path    string
	Handler gin.HandlerFunc
}

// Finder discovers devices of one backend kind.
type Finder interface {
	IsEnabled(cfg *config.Config) bool

	// Find performs one discovery pass. Network scans must honour ctx;
	// a pass cut short by ctx returns the context error.
	Find(ctx context.Context, cfg *config.Config) ([]Device, error)

	// Routes lists the endpoints the backend needs mounted. Called once
	// at startup for enabled finders.
	Routes(cfg *config.Config) []Route
}

// AsciiOnly drops every rune outside 7-bit ASCII. Renderer firmwares
// choke on multi-byte titles in DIDL metadata and cast payloads.
func AsciiOnly(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	return b.String()
}
