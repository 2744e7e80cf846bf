package mtproto

import (
	"sync"

	"github.com/gotd/td/tg"
)

// channelOffset maps channel ids into the single signed chat-id space the
// rest of the system uses: users are positive, basic chats are negated and
// channels live below -10^12. The same convention the Bot API exposes.
const channelOffset int64 = -1_000_000_000_000

// PeerID flattens a peer into that chat-id space.
func PeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return channelOffset - p.ChannelID
	}
	return 0
}

// peerCache remembers access hashes for every peer seen in updates or
// message lookups, so replies can be addressed later without extra RPCs.
type peerCache struct {
	mu       sync.RWMutex
	users    map[int64]int64 // user id -> access hash
	channels map[int64]int64 // channel id -> access hash
	chats    map[int64]bool  // basic chats have no hash
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    make(map[int64]int64),
		channels: make(map[int64]int64),
		chats:    make(map[int64]bool),
	}
}

func (p *peerCache) observeEntities(e tg.Entities) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, u := range e.Users {
		if hash, ok := u.GetAccessHash(); ok {
			p.users[id] = hash
		}
	}
	for id := range e.Chats {
		p.chats[id] = true
	}
	for id, ch := range e.Channels {
		if hash, ok := ch.GetAccessHash(); ok {
			p.channels[id] = hash
		}
	}
}

// observeRaw feeds the users/chats lists that messages.getMessages
// responses carry alongside the messages themselves.
func (p *peerCache) observeRaw(users []tg.UserClass, chats []tg.ChatClass) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, uc := range users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		if hash, ok := u.GetAccessHash(); ok {
			p.users[u.ID] = hash
		}
	}
	for _, cc := range chats {
		switch c := cc.(type) {
		case *tg.Chat:
			p.chats[c.ID] = true
		case *tg.Channel:
			if hash, ok := c.GetAccessHash(); ok {
				p.channels[c.ID] = hash
			}
		}
	}
}

// resolve turns a flattened chat id back into an addressable input peer.
func (p *peerCache) resolve(chatID int64) (tg.InputPeerClass, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case chatID > 0:
		hash, ok := p.users[chatID]
		if !ok {
			return nil, false
		}
		return &tg.InputPeerUser{UserID: chatID, AccessHash: hash}, true

	case chatID > channelOffset:
		id := -chatID
		if !p.chats[id] {
			return nil, false
		}
		return &tg.InputPeerChat{ChatID: id}, true

	default:
		id := channelOffset - chatID
		hash, ok := p.channels[id]
		if !ok {
			return nil, false
		}
		return &tg.InputPeerChannel{ChannelID: id, AccessHash: hash}, true
	}
}
