package codec

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"

	"worldsync.ai/internal/sim/world"
)

// Digest hashes every live entity of w (id order, compact encoding). Two worlds
// holding equal entities produce equal digests regardless of insertion order.
func Digest(w *world.World, c Codec) (string, error) {
	h := xxhash.New()
	var lenBuf [8]byte
	for e := range w.Items() {
		b, err := c.SerializeEntity(e, Options{Compact: true})
		if err != nil {
			return "", err
		}
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(b)))
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(b)
	}
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], h.Sum64())
	return hex.EncodeToString(sum[:]), nil
}
