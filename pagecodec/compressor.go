package pagecodec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compressor frames a block stream through zstd when the backup's
// compress_data option is enabled: the whole stream is wrapped in a
// single zstd frame rather than compressing each record independently.
type Compressor struct {
	enc *zstd.Encoder
}

// NewCompressor wraps out in a zstd encoder. Callers must Close the
// returned writer to flush the final frame before relying on out's
// contents.
func NewCompressor(out io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(out)
	if err != nil {
		return nil, fmt.Errorf("pagecodec: open zstd encoder: %w", err)
	}
	return enc, nil
}

// Decompressor wraps in in a zstd decoder for reading a compressed data
// file back out during restore-side consumption of the catalog.
func Decompressor(in io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("pagecodec: open zstd decoder: %w", err)
	}
	return dec.IOReadCloser(), nil
}
