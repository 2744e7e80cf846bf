package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/qpov/castbridge/internal/debounce"
	"github.com/qpov/castbridge/internal/token"
)

// closeArgs is the payload the idle debounce carries: everything the
// close accounting needs once the session is declared gone.
type closeArgs struct {
	messageID int64
	chatID    int64
	local     token.Local
	size      int64
}

// transport stands in for one client connection on a stream. The
// request context ends when the peer disconnects, which is the only
// liveness signal the HTTP layer exposes.
type transport struct {
	ctx context.Context
}

func (t *transport) closing() bool {
	return t.ctx.Err() != nil
}

// sessions tracks every active stream: the authorized tokens, the block
// offsets already delivered, the idle debounce and the client
// connections seen per token. A session is born in addToken and dies in
// the idle handler once every transport is closing.
type sessions struct {
	mu         sync.Mutex
	tokens     map[token.Local]struct{}
	downloaded map[token.Local]map[int64]struct{}
	debounces  map[token.Local]*debounce.Debounce[closeArgs]
	transports map[token.Local]map[*transport]struct{}
}

func newSessions() sessions {
	return sessions{
		tokens:     make(map[token.Local]struct{}),
		downloaded: make(map[token.Local]map[int64]struct{}),
		debounces:  make(map[token.Local]*debounce.Debounce[closeArgs]),
		transports: make(map[token.Local]map[*transport]struct{}),
	}
}

func (s *sessions) addToken(local token.Local) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[local] = struct{}{}
}

func (s *sessions) checkToken(local token.Local) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tokens[local]
	return ok
}

func (s *sessions) removeToken(local token.Local) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, local)
}

// feedTimeout (re)arms the idle debounce for a session with the latest
// close arguments. A debounce whose fire already completed cannot be
// rearmed, so a fresh one takes its place; the fired handler deletes
// the map entry under the same lock, which keeps the swap race free.
func (s *sessions) feedTimeout(args closeArgs, timeout time.Duration, fire func(closeArgs)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.debounces[args.local]
	if !ok {
		d = debounce.New(timeout, fire)
		s.debounces[args.local] = d
	}
	if !d.UpdateArgs(args) {
		d = debounce.New(timeout, fire)
		s.debounces[args.local] = d
		d.UpdateArgs(args)
	}
}

func (s *sessions) registerTransport(local token.Local, t *transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.transports[local]
	if !ok {
		set = make(map[*transport]struct{})
		s.transports[local] = set
	}
	set[t] = struct{}{}
}

func (s *sessions) recordBlock(local token.Local, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.downloaded[local]
	if !ok {
		set = make(map[int64]struct{})
		s.downloaded[local] = set
	}
	set[offset] = struct{}{}
}

// transportsIdle reports whether every transport seen on the session is
// closing. Vacuously true when none registered yet: a token that was
// minted but never streamed still times out. Callers hold s.mu.
func (s *sessions) transportsIdle(local token.Local) bool {
	for t := range s.transports[local] {
		if !t.closing() {
			return false
		}
	}
	return true
}
