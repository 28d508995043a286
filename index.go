package verso

import (
	"bufio"
	"io"
	"sort"

	"github.com/pkg/errors"
)

// DecodeIndex decodes a snapshot index:
// a sequence of varints,
// each the gap from the previous known snapshot version
// (starting from zero)
// to the next.
// The result is in strictly increasing order.
func DecodeIndex(r io.Reader) ([]Version, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var (
		result []Version
		cur    uint64
	)
	for {
		gap, err := readVarint(br)
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decoding index entry %d", len(result))
		}
		if gap == 0 {
			return nil, errors.Wrapf(ErrCorrupt, "zero gap at index entry %d", len(result))
		}
		if cur+gap > 1<<63-1 || cur+gap < cur {
			return nil, errors.Wrapf(ErrCorrupt, "index entry %d overflows", len(result))
		}
		cur += gap
		result = append(result, Version(cur))
	}
}

// EncodeIndex writes versions to w in the format read by DecodeIndex.
// The versions must be positive and strictly increasing.
func EncodeIndex(w io.Writer, versions []Version) error {
	var (
		buf  []byte
		prev Version
	)
	for i, v := range versions {
		if v <= prev {
			return errors.Errorf("index entry %d (%d) does not follow %d", i, v, prev)
		}
		buf = appendVarint(buf, uint64(v-prev))
		prev = v
	}
	_, err := w.Write(buf)
	return errors.Wrap(err, "writing index")
}

// AppendIndex adds v to a sorted index,
// keeping it sorted and free of duplicates.
func AppendIndex(index []Version, v Version) []Version {
	pos := sort.Search(len(index), func(n int) bool {
		return index[n] >= v
	})
	if pos < len(index) && index[pos] == v {
		return index
	}
	index = append(index, 0)
	copy(index[pos+1:], index[pos:])
	index[pos] = v
	return index
}

// NearestAtOrBelow finds the greatest version in a sorted index
// that is not greater than v.
// It returns ErrNotFound if there is none.
func NearestAtOrBelow(index []Version, v Version) (Version, error) {
	pos := sort.Search(len(index), func(n int) bool {
		return index[n] > v
	})
	if pos == 0 {
		return 0, ErrNotFound
	}
	return index[pos-1], nil
}
