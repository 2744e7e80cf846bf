package gateway

import (
	"fmt"
	"regexp"
	"strconv"
)

// byteRange is a Range header resolved against the block grid. Block
// fetches must start on a block boundary, so a request for byte 1090
// with 1024-byte blocks becomes SafeOffset=1024 plus DataToSkip=66
// leading bytes to drop from the first block. MaxSize is the exclusive
// end of the requested window, -1 when the request is open ended.
type byteRange struct {
	SafeOffset int64
	DataToSkip int64
	MaxSize    int64
}

var rangePattern = regexp.MustCompile(`bytes=([0-9]+)-([0-9]+)?`)

// parseRange extracts the first bytes=first-last? group found anywhere
// in header. Renderers pad the header with junk like "/146515" suffixes
// and some prepend whitespace, so this is a search, not a full match.
func parseRange(header string, blockSize int64) (byteRange, error) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return byteRange{}, fmt.Errorf("malformed range header %q", header)
	}

	first, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return byteRange{}, fmt.Errorf("malformed range header %q: %w", header, err)
	}

	r := byteRange{MaxSize: -1}
	if m[2] != "" {
		last, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return byteRange{}, fmt.Errorf("malformed range header %q: %w", header, err)
		}
		r.MaxSize = last
	}

	r.SafeOffset = (first / blockSize) * blockSize
	r.DataToSkip = first - r.SafeOffset
	return r, nil
}
