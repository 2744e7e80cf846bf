package devices

import (
	"context"
	"encoding/xml"
	"html"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/token"
)

type upnpStatus int

const (
	upnpStatusNothing upnpStatus = iota
	upnpStatusPlaying
	upnpStatusStopped
	upnpStatusError
)

const avtEventNamespace = "urn:schemas-upnp-org:metadata-1-0/AVT/"

// parseTransportStatus digs TransportStatus values out of a NOTIFY
// body. The interesting document is double-encoded: the propertyset
// carries an escaped LastChange event, so the body is HTML-unescaped
// wholesale before parsing and every element is inspected.
func parseTransportStatus(body []byte) upnpStatus {
	decoded := html.UnescapeString(string(body))

	dec := xml.NewDecoder(strings.NewReader(decoded))
	dec.Strict = false

	reachedOK := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "TransportStatus" || start.Name.Space != avtEventNamespace {
			continue
		}
		for _, attr := range start.Attr {
			if attr.Name.Local != "val" {
				continue
			}
			switch attr.Value {
			case "OK":
				reachedOK = true
			case "STOPPED":
				return upnpStatusStopped
			case "ERROR_OCCURRED":
				return upnpStatusError
			}
		}
	}

	if reachedOK {
		return upnpStatusPlaying
	}
	return upnpStatusNothing
}

// upnpSession tracks one playing stream for the event state machine.
type upnpSession struct {
	reconnect func(ctx context.Context) error
	playing   bool
	errored   bool
}

// UpnpNotifyHandler receives renderer event callbacks and restarts
// playback when a renderer reports an error and then goes quiet.
// Samsung TVs in particular drop the transport on flaky networks and
// stay black until told to play again.
type UpnpNotifyHandler struct {
	log *logger.Logger

	mu       sync.Mutex
	sessions map[token.Local]*upnpSession
}

func newUpnpNotifyHandler(log *logger.Logger) *UpnpNotifyHandler {
	return &UpnpNotifyHandler{log: log, sessions: make(map[token.Local]*upnpSession)}
}

func (h *UpnpNotifyHandler) add(local token.Local, s *upnpSession) {
	h.mu.Lock()
	h.sessions[local] = s
	h.mu.Unlock()
}

func (h *UpnpNotifyHandler) remove(local token.Local) {
	h.mu.Lock()
	delete(h.sessions, local)
	h.mu.Unlock()
}

func (h *UpnpNotifyHandler) handleNotify(c *gin.Context) {
	local, err := token.ParseLocal(c.Param("local_token"))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	session, ok := h.sessions[local]
	h.mu.Unlock()
	if !ok {
		c.Status(http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	status := parseTransportStatus(body)

	var reconnect func(ctx context.Context) error
	h.mu.Lock()
	switch {
	case status == upnpStatusPlaying:
		session.playing = true
	case status == upnpStatusError && session.playing:
		session.errored = true
	case status == upnpStatusNothing && session.errored:
		session.errored = false
		session.playing = false
		reconnect = session.reconnect
	}
	h.mu.Unlock()

	if reconnect != nil {
		h.log.Info("renderer went quiet after an error, restarting playback")
		if err := reconnect(c.Request.Context()); err != nil {
			h.log.Error("restart playback", "error", err)
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusOK)
}
