package transform

import (
	"bytes"
	"compress/flate"
	"compress/lzw"
	"context"
	"io"

	"github.com/pkg/errors"
)

// LZW is a Transformer implementing lzw compression.
type LZW struct {
	Order lzw.Order
}

// Name implements Transformer.Name.
func (l LZW) Name() string {
	if l.Order == lzw.MSB {
		return "lzw-msb"
	}
	return "lzw-lsb"
}

// In implements Transformer.In.
func (l LZW) In(_ context.Context, inp []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := lzw.NewWriter(buf, l.Order, 8)
	if _, err := w.Write(inp); err != nil {
		return nil, errors.Wrap(err, "compressing")
	}
	err := w.Close()
	return buf.Bytes(), errors.Wrap(err, "closing compressor")
}

// Out implements Transformer.Out.
func (l LZW) Out(_ context.Context, inp []byte) ([]byte, error) {
	rr := lzw.NewReader(bytes.NewReader(inp), l.Order, 8)
	defer rr.Close()
	return io.ReadAll(rr)
}

// Flate is a Transformer implementing RFC1951 DEFLATE compression.
type Flate struct {
	Level int
}

func (f Flate) level() int {
	if f.Level < -2 || f.Level > 9 {
		return -1
	}
	return f.Level
}

// Name implements Transformer.Name.
// The compression level is not part of the name,
// since any level decompresses the same way.
func (f Flate) Name() string {
	return "flate"
}

// In implements Transformer.In.
func (f Flate) In(_ context.Context, inp []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w, err := flate.NewWriter(buf, f.level())
	if err != nil {
		return nil, errors.Wrapf(err, "creating compressor at level %d", f.level())
	}
	if _, err = w.Write(inp); err != nil {
		return nil, errors.Wrap(err, "compressing")
	}
	err = w.Close()
	return buf.Bytes(), errors.Wrap(err, "closing compressor")
}

// Out implements Transformer.Out.
func (f Flate) Out(_ context.Context, inp []byte) ([]byte, error) {
	rr := flate.NewReader(bytes.NewReader(inp))
	defer rr.Close()
	return io.ReadAll(rr)
}
