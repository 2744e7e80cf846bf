// Package bot implements the Telegram side of the bridge: it watches
// the admin chats for media messages, walks the sender through device
// selection, mints stream tokens and forwards playback control
// callbacks to the chosen renderer.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/qpov/castbridge/internal/config"
	"github.com/qpov/castbridge/internal/devices"
	"github.com/qpov/castbridge/internal/logger"
	"github.com/qpov/castbridge/internal/mtproto"
	"github.com/qpov/castbridge/internal/token"
)

const cancelButton = "^Cancel"

// Messenger is the slice of the Telegram client the bot talks through.
type Messenger interface {
	Reply(ctx context.Context, messageID, chatID int64, text string) error
	ReplyMarkup(ctx context.Context, messageID, chatID int64, text string, markup tg.ReplyMarkupClass) (int, error)
	AnswerCallback(ctx context.Context, queryID int64, text string) error
	DeleteMessage(ctx context.Context, messageID int) error
}

// Streams is the slice of the HTTP gateway the bot drives: it turns a
// freshly minted remote token into a live stream session and withdraws
// one whose playback never started.
type Streams interface {
	AddRemoteToken(messageID int64, remote uint64) token.Local
	RemoveToken(local token.Local)
}

// selectState is the pending device choice of one admin. It survives
// between the media message and the keyboard answer.
type selectState struct {
	messageID int64
	filename  string
	devices   []devices.Device
}

// Bot dispatches Telegram updates. Register it on the mtproto client.
type Bot struct {
	cfg       *config.Config
	log       *logger.Logger
	messenger Messenger
	streams   Streams
	finders   *devices.FinderCollection

	mu        sync.Mutex
	states    map[int64]selectState
	functions map[token.Local]map[uint64]devices.PlayerFunction
	devices   map[token.Local]devices.Device
}

func New(cfg *config.Config, log *logger.Logger, messenger Messenger, streams Streams, finders *devices.FinderCollection) *Bot {
	return &Bot{
		cfg:       cfg,
		log:       log.WithComponent("bot"),
		messenger: messenger,
		streams:   streams,
		finders:   finders,
		states:    make(map[int64]selectState),
		functions: make(map[token.Local]map[uint64]devices.PlayerFunction),
		devices:   make(map[token.Local]devices.Device),
	}
}

// OnNewMessage routes private admin messages: media starts a device
// selection, plain text answers a pending one. Everything else is
// ignored.
func (b *Bot) OnNewMessage(ctx context.Context, msg *tg.Message) error {
	if msg.Out {
		return nil
	}

	chatID, ok := b.adminChat(msg.PeerID)
	if !ok {
		return nil
	}

	if _, ok := mtproto.Document(msg); ok {
		return b.handleNewDocument(ctx, msg, chatID)
	}

	if msg.Message != "" && msg.Media == nil {
		if state, ok := b.takeState(chatID); ok {
			return b.handleSelectDevice(ctx, msg, chatID, state)
		}
	}

	return nil
}

// OnCallbackQuery runs the player function behind an inline button of a
// controller message.
func (b *Bot) OnCallbackQuery(ctx context.Context, query *tg.UpdateBotCallbackQuery) error {
	if !b.isAdmin(query.UserID) {
		return nil
	}

	data, ok := query.GetData()
	id, err := strconv.ParseUint(string(data), 10, 64)
	if !ok || err != nil {
		return b.messenger.AnswerCallback(ctx, query.QueryID, "wrong callback")
	}

	fn, ok := b.lookupFunction(id)
	if !ok {
		return b.messenger.AnswerCallback(ctx, query.QueryID, "stream closed")
	}

	if !fn.IsEnabled(b.cfg) {
		return b.messenger.AnswerCallback(ctx, query.QueryID, "function not enabled")
	}

	fnCtx, cancel := context.WithTimeout(ctx, b.deviceTimeout())
	defer cancel()

	if err := fn.Handle(fnCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return b.messenger.AnswerCallback(ctx, query.QueryID, "request timeout")
		}
		b.log.Error("player function failed", "function", fn.Name(), "error", err)
		return err
	}

	return b.messenger.AnswerCallback(ctx, query.QueryID, "done")
}

// HandleStreamClosed tells the admin how the download went and lets the
// device release whatever it holds for the session.
func (b *Bot) HandleStreamClosed(ctx context.Context, undeliveredPercent float64, chatID, messageID int64, local token.Local) error {
	b.mu.Lock()
	delete(b.functions, local)
	device, ok := b.devices[local]
	delete(b.devices, local)
	b.mu.Unlock()

	text := fmt.Sprintf("download closed, %0.2f%% remains", undeliveredPercent)
	if err := b.messenger.Reply(ctx, messageID, chatID, text); err != nil {
		return err
	}

	if ok {
		return device.OnClose(ctx, local)
	}

	return nil
}

func (b *Bot) handleNewDocument(ctx context.Context, msg *tg.Message, chatID int64) error {
	b.clearState(chatID)

	found, err := b.finders.FindAll(ctx, b.cfg)
	if err != nil {
		return err
	}

	if len(found) == 0 {
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID, "Supported devices not found in the network")
	}

	doc, _ := mtproto.Document(msg)
	filename, ok := mtproto.Filename(doc)
	if !ok {
		filename = fmt.Sprintf("file_%d", msg.ID)
	}

	b.setState(chatID, selectState{
		messageID: int64(msg.ID),
		filename:  filename,
		devices:   found,
	})

	rows := make([]tg.KeyboardButtonRow, 0, len(found)+1)
	for _, device := range found {
		rows = append(rows, tg.KeyboardButtonRow{Buttons: []tg.KeyboardButtonClass{
			&tg.KeyboardButton{Text: device.Name()},
		}})
	}
	rows = append(rows, tg.KeyboardButtonRow{Buttons: []tg.KeyboardButtonClass{
		&tg.KeyboardButton{Text: cancelButton},
	}})

	markup := &tg.ReplyKeyboardMarkup{SingleUse: true, Rows: rows}
	_, err = b.messenger.ReplyMarkup(ctx, int64(msg.ID), chatID, "Select a device", markup)
	return err
}

func (b *Bot) handleSelectDevice(ctx context.Context, msg *tg.Message, chatID int64, state selectState) error {
	if msg.Message == cancelButton {
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID, "Cancelled")
	}

	var device devices.Device
	for _, d := range state.devices {
		if d.Name() == msg.Message {
			device = d
			break
		}
	}
	if device == nil {
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID, "Wrong device")
	}

	return b.startPlayback(ctx, msg, chatID, state, device)
}

func (b *Bot) startPlayback(ctx context.Context, msg *tg.Message, chatID int64, state selectState, device devices.Device) error {
	remote, err := token.NewRemote()
	if err != nil {
		return err
	}
	local := b.streams.AddRemoteToken(state.messageID, remote)
	url := token.StreamURL(b.cfg, state.messageID, remote)

	playCtx, cancel := context.WithTimeout(ctx, b.deviceTimeout())
	defer cancel()

	err = device.Stop(playCtx)
	if err == nil {
		err = device.Play(playCtx, url, state.filename, local)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		// The renderer never confirmed, so the minted URL must not
		// outlive the attempt.
		b.streams.RemoveToken(local)
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID, "Timeout while communicating with the device")
	case err != nil:
		b.log.Error("playback start failed", "device", device.Name(), "error", err)
		text := fmt.Sprintf("Error while communicating with the device:\n\n<code>%s</code>", html.EscapeString(err.Error()))
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID, text)
	}

	playerFunctions := device.PlayerFunctions()
	funcMap := make(map[uint64]devices.PlayerFunction, len(playerFunctions))
	rows := make([]tg.KeyboardButtonRow, 0, len(playerFunctions))
	for _, fn := range playerFunctions {
		id, err := token.NewRemote()
		if err != nil {
			return err
		}
		funcMap[id] = fn
		rows = append(rows, tg.KeyboardButtonRow{Buttons: []tg.KeyboardButtonClass{
			&tg.KeyboardButtonCallback{Text: fn.Name(), Data: []byte(strconv.FormatUint(id, 10))},
		}})
	}

	b.mu.Lock()
	b.devices[local] = device
	b.functions[local] = funcMap
	b.mu.Unlock()

	if len(rows) == 0 {
		return b.replyRemoveKeyboard(ctx, msg.ID, chatID,
			fmt.Sprintf("Playing file <code>%d</code>", state.messageID))
	}

	text := fmt.Sprintf("Device <code>%s</code>\ncontroller for file <code>%d</code>",
		html.EscapeString(device.Name()), state.messageID)
	if _, err := b.messenger.ReplyMarkup(ctx, int64(msg.ID), chatID, text, &tg.ReplyInlineMarkup{Rows: rows}); err != nil {
		return err
	}

	// An inline keyboard cannot dismiss the reply keyboard, so send a
	// throwaway message that does and delete it right away.
	stubID, err := b.messenger.ReplyMarkup(ctx, int64(msg.ID), chatID, "stub", &tg.ReplyKeyboardHide{})
	if err != nil {
		return err
	}
	return b.messenger.DeleteMessage(ctx, stubID)
}

func (b *Bot) replyRemoveKeyboard(ctx context.Context, messageID int, chatID int64, text string) error {
	_, err := b.messenger.ReplyMarkup(ctx, int64(messageID), chatID, text, &tg.ReplyKeyboardHide{})
	return err
}

func (b *Bot) deviceTimeout() time.Duration {
	return time.Duration(b.cfg.DeviceRequestTimeout) * time.Second
}

// adminChat reports whether peer is a private chat with an admin and
// returns its chat id.
func (b *Bot) adminChat(peer tg.PeerClass) (int64, bool) {
	user, ok := peer.(*tg.PeerUser)
	if !ok {
		return 0, false
	}
	if !b.isAdmin(user.UserID) {
		return 0, false
	}
	return mtproto.PeerID(peer), true
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.cfg.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

func (b *Bot) lookupFunction(id uint64) (devices.PlayerFunction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, funcs := range b.functions {
		if fn, ok := funcs[id]; ok {
			return fn, true
		}
	}
	return nil, false
}

func (b *Bot) setState(chatID int64, state selectState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[chatID] = state
}

func (b *Bot) takeState(chatID int64) (selectState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[chatID]
	if ok {
		delete(b.states, chatID)
	}
	return state, ok
}

func (b *Bot) clearState(chatID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, chatID)
}
