// Package mtproto implements the chat-file reader: one bot login on the
// primary datacentre plus an authenticated media session per DC, since
// files can only be fetched from the DC that stores them.
package mtproto

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/qpov/castbridge/internal/config"
	apperrors "github.com/qpov/castbridge/internal/errors"
	"github.com/qpov/castbridge/internal/logger"
)

// messageCacheSize caps the message lookup cache. Streamed messages per
// process are few; the cap only guards against unbounded growth.
const messageCacheSize = 128

// UpdateHandler receives the updates the bot shim consumes.
type UpdateHandler interface {
	OnNewMessage(ctx context.Context, msg *tg.Message) error
	OnCallbackQuery(ctx context.Context, query *tg.UpdateBotCallbackQuery) error
}

// mediaSession is one per-DC authenticated connection used for file reads.
type mediaSession struct {
	dc     int
	client *telegram.Client
	api    *tg.Client
	up     atomic.Bool
}

// Client owns the primary bot session, the media session pool and the
// message cache.
type Client struct {
	cfg *config.Config
	log *logger.Logger
	zap *zap.Logger

	client  *telegram.Client
	api     *tg.Client
	sender  *message.Sender
	storage *session.FileStorage

	dispatcher tg.UpdateDispatcher
	handlersMu sync.RWMutex
	handlers   []UpdateHandler

	keys  *keyStore
	peers *peerCache
	cache *lru.Cache[int64, *tg.Message]

	mediaMu sync.RWMutex
	media   map[int]*mediaSession
	dcList  dcs.List

	primaryUp atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient builds the client. Nothing connects until Start.
func NewClient(cfg *config.Config, log *logger.Logger, zl *zap.Logger) (*Client, error) {
	cache, err := lru.New[int64, *tg.Message](messageCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		log:        log.WithComponent("mtproto"),
		zap:        zl,
		storage:    &session.FileStorage{Path: cfg.SessionName + ".session"},
		dispatcher: tg.NewUpdateDispatcher(),
		peers:      newPeerCache(),
		cache:      cache,
		media:      make(map[int]*mediaSession),
	}

	c.dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.peers.observeEntities(e)
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		return c.eachHandler(func(h UpdateHandler) error {
			return h.OnNewMessage(ctx, msg)
		})
	})
	c.dispatcher.OnBotCallbackQuery(func(ctx context.Context, e tg.Entities, u *tg.UpdateBotCallbackQuery) error {
		c.peers.observeEntities(e)
		return c.eachHandler(func(h UpdateHandler) error {
			return h.OnCallbackQuery(ctx, u)
		})
	})

	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, telegram.Options{
		SessionStorage: c.storage,
		UpdateHandler:  c.dispatcher,
		Logger:         zl.Named("client"),
	})
	c.api = c.client.API()
	c.sender = message.NewSender(c.api)

	return c, nil
}

// Register attaches an update handler. Handlers added before Start begin
// receiving updates as soon as the primary session is up.
func (c *Client) Register(h UpdateHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

func (c *Client) eachHandler(fn func(UpdateHandler) error) error {
	c.handlersMu.RLock()
	handlers := append([]UpdateHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		if err := fn(h); err != nil {
			c.log.Error("update handler failed", "error", err)
		}
	}
	return nil
}

// Start connects the primary session, logs the bot in, then brings up one
// media session per datacentre advertised by the server. It returns once
// every session is connected; the sessions keep running until Stop.
func (c *Client) Start(ctx context.Context) error {
	keys, err := loadKeyStore(c.cfg.SessionName + ".keys")
	if err != nil {
		return err
	}
	c.keys = keys

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan struct{})
	errCh := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.client.Run(runCtx, func(cctx context.Context) error {
			c.primaryUp.Store(true)
			defer c.primaryUp.Store(false)

			if err := c.bootstrap(cctx); err != nil {
				return err
			}
			close(ready)
			<-cctx.Done()
			return cctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-errCh:
		cancel()
		return fmt.Errorf("telegram session: %w", err)
	case <-ctx.Done():
		cancel()
		c.wg.Wait()
		return ctx.Err()
	}
}

// bootstrap runs inside the primary session: bot login, DC discovery and
// the authorization state machine for every media session. Stored keys
// short-circuit straight to connected.
func (c *Client) bootstrap(ctx context.Context) error {
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		if _, err := c.client.Auth().Bot(ctx, c.cfg.Token); err != nil {
			return fmt.Errorf("bot login: %w", err)
		}
	}

	cfg, err := c.api.HelpGetConfig(ctx)
	if err != nil {
		return fmt.Errorf("fetch dc list: %w", err)
	}
	c.dcList = dcs.List{Options: cfg.DCOptions}

	primaryBlob, err := c.storage.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("load primary session: %w", err)
	}

	for _, dcID := range uniqueDCs(cfg.DCOptions) {
		// The primary DC reuses the bot session instead of exporting
		// an authorization to itself.
		if dcID == cfg.ThisDC && !c.keys.has(dcID) {
			c.keys.set(dcID, primaryBlob)
		}

		if err := c.startMediaSession(ctx, dcID); err != nil {
			return fmt.Errorf("media session dc %d: %w", dcID, err)
		}
		c.log.Info("media session ready", "dc", dcID)
	}

	return c.keys.save()
}

func uniqueDCs(options []tg.DCOption) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, opt := range options {
		if opt.CDN || opt.MediaOnly || seen[opt.ID] {
			continue
		}
		seen[opt.ID] = true
		ids = append(ids, opt.ID)
	}
	sort.Ints(ids)
	return ids
}

// startMediaSession connects one DC. A missing stored key walks the
// export/import authorization path on first contact.
func (c *Client) startMediaSession(ctx context.Context, dcID int) error {
	ms := &mediaSession{dc: dcID}
	ms.client = telegram.NewClient(c.cfg.APIID, c.cfg.APIHash, telegram.Options{
		DC:             dcID,
		DCList:         c.dcList,
		SessionStorage: c.keys.slot(dcID),
		Logger:         c.zap.Named(fmt.Sprintf("dc%d", dcID)),
	})
	ms.api = ms.client.API()

	ready := make(chan struct{})
	errCh := make(chan error, 1)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := ms.client.Run(ctx, func(sctx context.Context) error {
			ms.up.Store(true)
			defer ms.up.Store(false)

			status, err := ms.client.Auth().Status(sctx)
			if err != nil {
				return fmt.Errorf("auth status: %w", err)
			}
			if !status.Authorized {
				exported, err := c.api.AuthExportAuthorization(sctx, dcID)
				if err != nil {
					return fmt.Errorf("export authorization: %w", err)
				}
				if _, err := ms.api.AuthImportAuthorization(sctx, &tg.AuthImportAuthorizationRequest{
					ID:    exported.ID,
					Bytes: exported.Bytes,
				}); err != nil {
					return fmt.Errorf("import authorization: %w", err)
				}
			}

			close(ready)
			<-sctx.Done()
			return sctx.Err()
		})
		select {
		case errCh <- err:
		default:
		}
	}()

	select {
	case <-ready:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mediaMu.Lock()
	c.media[dcID] = ms
	c.mediaMu.Unlock()
	return nil
}

func (c *Client) mediaSession(dc int) (*mediaSession, bool) {
	c.mediaMu.RLock()
	defer c.mediaMu.RUnlock()
	ms, ok := c.media[dc]
	return ms, ok
}

// HealthCheck reports ErrDisconnected unless the primary session and every
// media session are running.
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.primaryUp.Load() {
		c.log.Error("main session not connected")
		return apperrors.ErrDisconnected
	}

	c.mediaMu.RLock()
	defer c.mediaMu.RUnlock()
	for dc, ms := range c.media {
		if !ms.up.Load() {
			c.log.Error("media session not connected", "dc", dc)
			return apperrors.ErrDisconnected
		}
	}
	return nil
}

// Stop tears down every session and waits for the run loops to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
