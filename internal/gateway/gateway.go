// Package gateway is the HTTP face of the bridge: it turns an
// authorized chat message into a byte stream any LAN renderer can pull,
// and hosts the endpoints the device backends contribute (UPnP eventing,
// the web player API) plus health and metrics.
package gateway

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gotd/td/tg"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/devices"
	apperrors "github.com/qpov/castbridge/internal/errors"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/mtproto"
	"github.com/qpov/castbridge/internal/token"
)

//go:embed static
var staticFiles embed.FS

const shutdownTimeout = 5 * time.Second

// Reader is the slice of the chat client the gateway streams from.
type Reader interface {
	GetMessage(ctx context.Context, messageID int64) (*tg.Message, error)
	GetBlock(ctx context.Context, msg *tg.Message, offset, limit int64) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// OnStreamClosed receives the post-mortem of a stream session once every
// client connection stayed idle past request_gone_timeout. The percent
// argument is the share of blocks that were never delivered.
type OnStreamClosed interface {
	HandleStreamClosed(ctx context.Context, undeliveredPercent float64, chatID, messageID int64, local token.Local) error
}

// Gateway serves the stream endpoints and owns the per-stream session
// accounting.
type Gateway struct {
	cfg     *config.Config
	log     *logger.Logger
	reader  Reader
	finders *devices.FinderCollection
	metrics *Metrics

	sessions sessions
	onClosed OnStreamClosed
}

func New(cfg *config.Config, log *logger.Logger, reader Reader, finders *devices.FinderCollection) *Gateway {
	return &Gateway{
		cfg:      cfg,
		log:      log.WithComponent("gateway"),
		reader:   reader,
		finders:  finders,
		metrics:  NewMetrics(),
		sessions: newSessions(),
	}
}

// SetOnStreamClosed attaches the close listener. Must be called before
// Run; the gateway reads the field without locking.
func (g *Gateway) SetOnStreamClosed(h OnStreamClosed) {
	g.onClosed = h
}

// AddRemoteToken authorizes streaming of messageID under remote and
// returns the session token the rest of the system keys on.
func (g *Gateway) AddRemoteToken(messageID int64, remote uint64) token.Local {
	local := token.NewLocal(messageID, remote)
	g.sessions.addToken(local)
	return local
}

// RemoveToken withdraws a session token whose playback never started,
// so the URL dies together with the failed device request.
func (g *Gateway) RemoveToken(local token.Local) {
	g.sessions.removeToken(local)
}

// Router builds the gin engine with the stream endpoints, the static
// web player, metrics, and every route the enabled device backends ask
// for.
func (g *Gateway) Router() *gin.Engine {
	router := gin.Default()

	router.GET("/stream/:message_id/:token", g.handleStream)
	router.OPTIONS("/stream/:message_id/:token", g.handleProbe)
	router.PUT("/stream/:message_id/:token", g.handleProbe)
	router.GET("/healthcheck", g.handleHealthCheck)
	router.GET("/metrics", gin.WrapH(g.metrics.Handler()))

	// The embedded tree keeps its static/ prefix, so URL paths map to
	// embedded paths as-is.
	router.GET("/static/*filepath", gin.WrapH(http.FileServer(http.FS(staticFiles))))

	for _, route := range g.finders.Routes(g.cfg) {
		router.Handle(route.Method, route.Path, route.Handler)
	}

	return router
}

// Run serves until ctx is done, then drains with a short grace period.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.ListenHost, g.cfg.ListenPort),
		Handler: g.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	g.log.Info("gateway listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// handleProbe answers the OPTIONS and PUT requests renderers use to
// sniff CORS and DLNA capabilities before committing to a GET.
func (g *Gateway) handleProbe(c *gin.Context) {
	writeAccessControlHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
}

func (g *Gateway) handleHealthCheck(c *gin.Context) {
	if err := g.reader.HealthCheck(c.Request.Context()); err != nil {
		g.log.Error("health check failed", "error", err)
		c.String(http.StatusInternalServerError, "gone")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (g *Gateway) handleStream(c *gin.Context) {
	rawMessageID := c.Param("message_id")
	if !isDigits(rawMessageID) {
		c.Status(http.StatusUnauthorized)
		return
	}

	rawToken := c.Param("token")
	if !isDigits(rawToken) {
		c.Status(http.StatusUnauthorized)
		return
	}

	// Digit strings that overflow 64 bits can never match a minted
	// token, so they fail the same way unknown tokens do.
	messageID, err := strconv.ParseInt(rawMessageID, 10, 64)
	if err != nil {
		c.Status(http.StatusForbidden)
		return
	}
	remote, err := strconv.ParseUint(rawToken, 10, 64)
	if err != nil {
		c.Status(http.StatusForbidden)
		return
	}

	local := token.NewLocal(messageID, remote)
	if !g.sessions.checkToken(local) {
		c.Status(http.StatusForbidden)
		return
	}

	r := byteRange{MaxSize: -1}
	if header := c.GetHeader("Range"); header != "" {
		r, err = parseRange(header, g.cfg.BlockSize)
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
	}

	if r.DataToSkip > g.cfg.BlockSize {
		c.Status(http.StatusInternalServerError)
		return
	}

	ctx := c.Request.Context()

	msg, err := g.reader.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrBadMessageKind) {
			c.Status(http.StatusNotFound)
			return
		}
		g.log.Error("resolve message", "message_id", messageID, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	doc, ok := mtproto.Document(msg)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	size := doc.Size
	readAfter := r.SafeOffset + r.DataToSkip

	if readAfter > size {
		c.Status(http.StatusBadRequest)
		return
	}
	if r.MaxSize >= 0 && size < r.MaxSize {
		c.Status(http.StatusBadRequest)
		return
	}

	maxSize := r.MaxSize
	if maxSize < 0 {
		maxSize = size
	}

	status := http.StatusOK
	if readAfter != 0 || maxSize != size {
		status = http.StatusPartialContent
	}

	header := c.Writer.Header()
	writeRangeHeaders(header, readAfter, size, maxSize)

	filename, ok := mtproto.Filename(doc)
	if !ok {
		filename = fmt.Sprintf("file_%d", doc.ID)
	}
	writeFilenameHeader(header, filename)
	writeAccessControlHeaders(header)
	c.Status(status)

	g.streamBlocks(c, msg, local, r, size, maxSize)
}

// streamBlocks runs the block loop: fetch, trim to the requested window,
// write, account. Transport errors end the loop quietly; close
// accounting is the idle debounce's job, not the handler's.
func (g *Gateway) streamBlocks(c *gin.Context, msg *tg.Message, local token.Local, r byteRange, size, maxSize int64) {
	ctx := c.Request.Context()
	t := &transport{ctx: ctx}

	args := closeArgs{
		messageID: int64(msg.ID),
		chatID:    mtproto.PeerID(msg.PeerID),
		local:     local,
		size:      size,
	}
	log := g.log.WithFields(map[string]interface{}{
		"message_id": args.messageID,
		"chat_id":    args.chatID,
	})

	g.metrics.StreamOpened()
	defer g.metrics.StreamDone()

	offset := r.SafeOffset
	skip := r.DataToSkip

	for offset < maxSize {
		g.feedTimeout(args)

		start := time.Now()
		block, err := g.reader.GetBlock(ctx, msg, offset, g.cfg.BlockSize)
		if err != nil {
			log.Error("read block", "offset", offset, "error", err)
			break
		}
		g.metrics.ObserveBlockRead(time.Since(start))

		if len(block) == 0 {
			break
		}
		newOffset := offset + int64(len(block))

		if skip > 0 {
			if skip >= int64(len(block)) {
				block = nil
			} else {
				block = block[skip:]
			}
			skip = 0
		}
		if excess := newOffset - maxSize; excess > 0 {
			if excess >= int64(len(block)) {
				block = nil
			} else {
				block = block[:int64(len(block))-excess]
			}
		}

		g.sessions.registerTransport(local, t)
		if t.closing() {
			break
		}

		if _, err := c.Writer.Write(block); err != nil {
			break
		}
		c.Writer.Flush()

		g.sessions.recordBlock(local, offset)
		g.metrics.AddBytesServed(len(block))
		offset = newOffset
	}
}

func (g *Gateway) feedTimeout(args closeArgs) {
	timeout := time.Duration(g.cfg.RequestGoneTimeout) * time.Second
	g.sessions.feedTimeout(args, timeout, g.onIdleTimeout)
}

// onIdleTimeout fires when a session saw no block write for
// request_gone_timeout. With a live transport still attached it only
// rearms itself; otherwise it tears the session down and notifies the
// close listener with the share of blocks that never went out.
func (g *Gateway) onIdleTimeout(args closeArgs) {
	s := &g.sessions
	s.mu.Lock()

	if s.transportsIdle(args.local) {
		blocks := args.size/g.cfg.BlockSize + 1
		remain := blocks
		if set, ok := s.downloaded[args.local]; ok {
			remain = blocks - int64(len(set))
		}
		delete(s.tokens, args.local)
		delete(s.downloaded, args.local)
		delete(s.debounces, args.local)
		delete(s.transports, args.local)
		s.mu.Unlock()

		percent := float64(remain) / float64(blocks) * 100
		g.log.Info("stream closed",
			"message_id", args.messageID,
			"chat_id", args.chatID,
			"undelivered_percent", percent)
		g.metrics.StreamClosed(percent)

		if g.onClosed != nil {
			if err := g.onClosed.HandleStreamClosed(context.Background(), percent, args.chatID, args.messageID, args.local); err != nil {
				g.log.Error("stream closed handler", "message_id", args.messageID, "error", err)
			}
		}

		s.mu.Lock()
	}

	// A connection that raced the teardown may have re-armed the
	// session; in every other case this rearms the debounce that just
	// fired so the check repeats while transports stay open.
	d := s.debounces[args.local]
	s.mu.Unlock()
	if d != nil {
		d.Reschedule()
	}
}

func writeRangeHeaders(h http.Header, readAfter, size, maxSize int64) {
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", readAfter, maxSize, size))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(maxSize-readAfter, 10))
}

func writeAccessControlHeaders(h http.Header) {
	h.Set("Content-Type", "video/mp4")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	// Renderers match the DLNA headers case sensitively; assigning the
	// map directly bypasses Go's header canonicalization.
	h["transferMode.dlna.org"] = []string{"Streaming"}
	h["TimeSeekRange.dlna.org"] = []string{"npt=0.00-"}
	h["contentFeatures.dlna.org"] = []string{"DLNA.ORG_OP=01;DLNA.ORG_CI=0;"}
}

func writeFilenameHeader(h http.Header, filename string) {
	h.Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, url.PathEscape(filename)))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
