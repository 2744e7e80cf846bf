package mtproto

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	apperrors "github.com/qpov/castbridge/internal/errors"
)

// GetMessage resolves a message by id. Results are cached for the process
// lifetime; message content is immutable once posted, so the cache never
// goes stale.
func (c *Client) GetMessage(ctx context.Context, messageID int64) (*tg.Message, error) {
	if msg, ok := c.cache.Get(messageID); ok {
		return msg, nil
	}

	res, err := c.api.MessagesGetMessages(ctx, []tg.InputMessageClass{
		&tg.InputMessageID{ID: int(messageID)},
	})
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", messageID, err)
	}

	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch m := res.(type) {
	case *tg.MessagesMessages:
		msgs, users, chats = m.Messages, m.Users, m.Chats
	case *tg.MessagesMessagesSlice:
		msgs, users, chats = m.Messages, m.Users, m.Chats
	case *tg.MessagesChannelMessages:
		msgs, users, chats = m.Messages, m.Users, m.Chats
	default:
		return nil, apperrors.ErrNotFound
	}

	c.peers.observeRaw(users, chats)

	if len(msgs) == 0 {
		return nil, apperrors.ErrNotFound
	}
	msg, ok := msgs[0].(*tg.Message)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", apperrors.ErrBadMessageKind, msgs[0])
	}

	c.cache.Add(messageID, msg)
	return msg, nil
}

// Document extracts the document a message carries, if any.
func Document(msg *tg.Message) (*tg.Document, bool) {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil, false
	}
	docClass, ok := media.GetDocument()
	if !ok {
		return nil, false
	}
	return docClass.AsNotEmpty()
}

// Filename returns the filename attribute of a document.
func Filename(doc *tg.Document) (string, bool) {
	for _, attr := range doc.Attributes {
		if name, ok := attr.(*tg.DocumentAttributeFilename); ok {
			return name.FileName, true
		}
	}
	return "", false
}

// GetBlock fetches up to limit bytes at offset from the media session of
// the DC that stores the document. File reads answered with a flood-wait
// are a backpressure hint, not real rate limiting: sleep file_fake_fw_wait
// and retry until the server yields the block. A short result signals EOF.
func (c *Client) GetBlock(ctx context.Context, msg *tg.Message, offset, limit int64) ([]byte, error) {
	doc, ok := Document(msg)
	if !ok {
		return nil, fmt.Errorf("message %d: %w", msg.ID, apperrors.ErrBadMessageKind)
	}

	ms, ok := c.mediaSession(doc.DCID)
	if !ok {
		return nil, fmt.Errorf("no media session for dc %d", doc.DCID)
	}

	req := &tg.UploadGetFileRequest{
		Offset: offset,
		Limit:  int(limit),
		Location: &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
			ThumbSize:     "",
		},
	}

	fakeWait := time.Duration(c.cfg.FileFakeFWWait * float64(time.Second))
	for {
		res, err := ms.api.UploadGetFile(ctx, req)
		if err != nil {
			if _, ok := tgerr.AsFloodWait(err); ok {
				c.log.Debug("fake flood wait on file read", "dc", doc.DCID, "offset", offset)
				select {
				case <-time.After(fakeWait):
					continue
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return nil, fmt.Errorf("read block at %d: %w", offset, err)
		}

		file, ok := res.(*tg.UploadFile)
		if !ok {
			return nil, fmt.Errorf("read block at %d: unexpected %T", offset, res)
		}
		return file.Bytes, nil
	}
}
