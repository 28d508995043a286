package verso

import (
	"io"

	"github.com/pkg/errors"
)

// Varints in the snapshot index are written most-significant group first,
// seven bits per byte,
// with the high bit set on every byte but the last.

const maxVarintLen = 10

func appendVarint(buf []byte, n uint64) []byte {
	var groups [maxVarintLen]byte
	i := len(groups) - 1
	groups[i] = byte(n & 0x7f)
	for n >>= 7; n > 0; n >>= 7 {
		i--
		groups[i] = 0x80 | byte(n&0x7f)
	}
	return append(buf, groups[i:]...)
}

// readVarint reads one varint from r.
// It returns io.EOF only if r is exhausted before the first byte.
func readVarint(r io.ByteReader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b == 0x80 {
		// This is how the encoding represents a null,
		// which has no place in an index.
		return 0, errors.Wrap(ErrCorrupt, "null varint")
	}

	n := uint64(b & 0x7f)
	for i := 1; b&0x80 != 0; i++ {
		if i == maxVarintLen {
			return 0, errors.Wrap(ErrCorrupt, "varint overflows 64 bits")
		}
		b, err = r.ReadByte()
		if err == io.EOF {
			return 0, errors.Wrap(ErrCorrupt, "truncated varint")
		}
		if err != nil {
			return 0, err
		}
		n = (n << 7) | uint64(b&0x7f)
	}
	return n, nil
}
