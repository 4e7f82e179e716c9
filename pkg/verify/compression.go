package verify

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"io"

	"github.com/pierrec/lz4"
	"github.com/ulikunitz/xz"
)

const (
	peekSize = 8
)

var (
	gzipMagic = []byte{0x1F, 0x8B}
	bzipMagic = []byte{0x42, 0x5A, 0x68}
	xzMagic   = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

var _ decompressor = gzipDecompressor{}
var _ decompressor = bzip2Decompressor{}
var _ decompressor = xzDecompressor{}
var _ decompressor = lz4Decompressor{}

type decompressor interface {
	decompress(r io.Reader) (io.Reader, error)
	name() string
}

// detectFormat returns the decompressor matching the magic number in header, or nil for uncompressed input.
func detectFormat(header []byte) decompressor {
	if len(header) < 2 {
		return nil
	}
	switch {
	case bytes.HasPrefix(header, gzipMagic):
		return gzipDecompressor{}
	case bytes.HasPrefix(header, bzipMagic):
		return bzip2Decompressor{}
	case bytes.HasPrefix(header, lz4Magic):
		return lz4Decompressor{}
	case bytes.HasPrefix(header, xzMagic):
		return xzDecompressor{}
	default:
		return nil
	}
}

type gzipDecompressor struct{}

func (gzipDecompressor) decompress(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func (gzipDecompressor) name() string { return "gzip" }

type bzip2Decompressor struct{}

func (bzip2Decompressor) decompress(r io.Reader) (io.Reader, error) {
	return bzip2.NewReader(r), nil
}

func (bzip2Decompressor) name() string { return "bzip2" }

type xzDecompressor struct{}

func (xzDecompressor) decompress(r io.Reader) (io.Reader, error) {
	return xz.NewReader(r)
}

func (xzDecompressor) name() string { return "xz" }

type lz4Decompressor struct{}

func (lz4Decompressor) decompress(r io.Reader) (io.Reader, error) {
	return lz4.NewReader(r), nil
}

func (lz4Decompressor) name() string { return "lz4" }
