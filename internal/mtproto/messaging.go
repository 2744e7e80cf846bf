package mtproto

import (
	"context"
	"fmt"

	"github.com/gotd/td/telegram/message/html"
	"github.com/gotd/td/tg"
)

// Reply posts an HTML-formatted reply to a message. The peer must have
// been seen before (every admin message and lookup feeds the peer cache).
func (c *Client) Reply(ctx context.Context, messageID, chatID int64, text string) error {
	_, err := c.replyTo(ctx, messageID, chatID, text, nil)
	return err
}

// ReplyMarkup is Reply with a keyboard attached. It returns the id of the
// sent message so callers can delete it later.
func (c *Client) ReplyMarkup(ctx context.Context, messageID, chatID int64, text string, markup tg.ReplyMarkupClass) (int, error) {
	return c.replyTo(ctx, messageID, chatID, text, markup)
}

func (c *Client) replyTo(ctx context.Context, messageID, chatID int64, text string, markup tg.ReplyMarkupClass) (int, error) {
	peer, ok := c.peers.resolve(chatID)
	if !ok {
		return 0, fmt.Errorf("reply: unknown chat %d", chatID)
	}

	builder := c.sender.To(peer).Reply(int(messageID))
	if markup != nil {
		builder = builder.Markup(markup)
	}

	updates, err := builder.StyledText(ctx, html.String(nil, text))
	if err != nil {
		return 0, fmt.Errorf("reply in chat %d: %w", chatID, err)
	}
	id, _ := sentMessageID(updates)
	return id, nil
}

// AnswerCallback acknowledges an inline button press with a toast.
func (c *Client) AnswerCallback(ctx context.Context, queryID int64, text string) error {
	req := &tg.MessagesSetBotCallbackAnswerRequest{QueryID: queryID}
	req.SetMessage(text)
	if _, err := c.api.MessagesSetBotCallbackAnswer(ctx, req); err != nil {
		return fmt.Errorf("answer callback %d: %w", queryID, err)
	}
	return nil
}

// DeleteMessage removes a message the bot sent.
func (c *Client) DeleteMessage(ctx context.Context, messageID int) error {
	_, err := c.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{messageID},
	})
	if err != nil {
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return nil
}

// sentMessageID digs the id of a freshly sent message out of the updates
// the send call returns.
func sentMessageID(u tg.UpdatesClass) (int, bool) {
	switch upd := u.(type) {
	case *tg.UpdateShortSentMessage:
		return upd.ID, true
	case *tg.Updates:
		for _, x := range upd.Updates {
			switch m := x.(type) {
			case *tg.UpdateMessageID:
				return m.ID, true
			case *tg.UpdateNewMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return msg.ID, true
				}
			}
		}
	}
	return 0, false
}
