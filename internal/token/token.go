// Package token generates the opaque identifiers that tie a playback
// request to a stream session: a 64-bit random remote token embedded in
// the stream URL and a 128-bit local token derived from it.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/qpov/castbridge/internal/config"
)

// NewRemote returns a fresh 64-bit random token, read big-endian from the
// system CSPRNG. The same generator mints the per-button callback ids the
// bot hands out.
func NewRemote() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate token: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Local is the 128-bit stream session identifier,
// (remote_token << 64) ^ message_id. It is comparable and used as the map
// key for every per-stream structure.
type Local struct {
	hi, lo uint64
}

// NewLocal packs a message id and a remote token into a local token.
func NewLocal(messageID int64, remote uint64) Local {
	return Local{hi: remote, lo: uint64(messageID)}
}

// MessageID returns the message id half of the token.
func (l Local) MessageID() int64 {
	return int64(l.lo)
}

// Remote returns the remote token half.
func (l Local) Remote() uint64 {
	return l.hi
}

// String renders the token as the canonical decimal integer used in URL
// paths (the UPnP notify endpoint addresses sessions this way).
func (l Local) String() string {
	n := new(big.Int).SetUint64(l.hi)
	n.Lsh(n, 64)
	n.Or(n, new(big.Int).SetUint64(l.lo))
	return n.String()
}

var (
	localLimit = new(big.Int).Lsh(big.NewInt(1), 128)
	lowMask    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 64), big.NewInt(1))
)

// ParseLocal is the inverse of Local.String. It rejects anything that is
// not a decimal integer in [0, 2^128).
func ParseLocal(s string) (Local, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.Cmp(localLimit) >= 0 {
		return Local{}, fmt.Errorf("invalid stream token %q", s)
	}
	return Local{
		hi: new(big.Int).Rsh(n, 64).Uint64(),
		lo: new(big.Int).And(n, lowMask).Uint64(),
	}, nil
}

// StreamURL builds the public URL a renderer opens to play a message.
func StreamURL(cfg *config.Config, messageID int64, remote uint64) string {
	return fmt.Sprintf("http://%s:%d/stream/%d/%d", cfg.ListenHost, cfg.ListenPort, messageID, remote)
}
