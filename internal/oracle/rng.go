package oracle

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"math"
)

// byteStream yields a deterministic byte sequence from HMAC-SHA256 keyed by
// the server seed over "<roundID>:<bucket>:<block>" messages. The same
// seed/round/bucket triple always yields the same sequence.
type byteStream struct {
	seed    string
	roundID int64
	bucket  int64
	block   uint64
	pos     int
	buf     [sha256.Size]byte
}

func newByteStream(seed string, roundID, bucket int64) *byteStream {
	bs := &byteStream{seed: seed, roundID: roundID, bucket: bucket}
	bs.fill()
	return bs
}

func (bs *byteStream) fill() {
	h := hmac.New(sha256.New, []byte(bs.seed))
	fmt.Fprintf(h, "%d:%d:%d", bs.roundID, bs.bucket, bs.block)
	copy(bs.buf[:], h.Sum(nil))
}

func (bs *byteStream) next() byte {
	if bs.pos >= len(bs.buf) {
		bs.block++
		bs.pos = 0
		bs.fill()
	}
	b := bs.buf[bs.pos]
	bs.pos++
	return b
}

// nextFloat consumes exactly 4 bytes and produces a float in [0, 1).
func (bs *byteStream) nextFloat() float64 {
	var result float64
	for i := 1; i <= 4; i++ {
		result += float64(bs.next()) / math.Pow(256, float64(i))
	}
	return result
}
