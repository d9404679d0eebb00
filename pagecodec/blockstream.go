package pagecodec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// StreamMagic is the 4-byte magic that opens every incremental data file
// in the backup.
var StreamMagic = [4]byte{'B', 'K', 'P', '1'}

// blockSentinel terminates the block-record sequence.
const blockSentinel = 0xFFFFFFFF

// Writer emits the `(u32 blockno, page)*` + sentinel + CRC32 trailer
// format used for every data file in a backup. The trailer CRC covers
// the uncompressed payload even when w wraps a compressing io.Writer.
// Records are length-implicit (the page size is fixed, so no per-record
// length prefix is needed), and the checksum is computed incrementally
// as records are appended rather than buffered and computed at Close.
type Writer struct {
	out      io.Writer
	crc      uint32
	lastBlk  uint32
	wroteAny bool
	closed   bool
}

// NewWriter wraps out, which receives the magic, the block records, the
// sentinel, and the trailing CRC in order. out is typically a
// Compressor's writer when the backup's compress_data flag is set.
func NewWriter(out io.Writer) (*Writer, error) {
	if _, err := out.Write(StreamMagic[:]); err != nil {
		return nil, fmt.Errorf("pagecodec: write magic: %w", err)
	}
	return &Writer{out: out, crc: 0}, nil
}

// WriteBlock appends one (blockNumber, page) record. Block numbers must
// be strictly ascending within a file; callers violating this get an
// error rather than a silently corrupt stream.
func (w *Writer) WriteBlock(blockNumber uint32, page []byte) error {
	if w.closed {
		return fmt.Errorf("pagecodec: write to closed stream")
	}
	if w.wroteAny && blockNumber <= w.lastBlk {
		return fmt.Errorf("pagecodec: block numbers must be strictly ascending, got %d after %d", blockNumber, w.lastBlk)
	}

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], blockNumber)
	if err := w.writeAndSum(hdr[:]); err != nil {
		return err
	}
	if err := w.writeAndSum(page); err != nil {
		return err
	}
	w.lastBlk = blockNumber
	w.wroteAny = true
	return nil
}

func (w *Writer) writeAndSum(b []byte) error {
	w.crc = crc32.Update(w.crc, crc32.IEEETable, b)
	_, err := w.out.Write(b)
	return err
}

// Close writes the sentinel and CRC trailer. It does not close the
// underlying writer (that's the caller's job, since it may be a shared
// compressor frame).
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var sentinel [4]byte
	binary.LittleEndian.PutUint32(sentinel[:], blockSentinel)
	if err := w.writeAndSum(sentinel[:]); err != nil {
		return fmt.Errorf("pagecodec: write sentinel: %w", err)
	}

	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], w.crc)
	if _, err := w.out.Write(trailer[:]); err != nil {
		return fmt.Errorf("pagecodec: write crc trailer: %w", err)
	}
	return nil
}

// BlockRecord is one decoded (block number, page) pair.
type BlockRecord struct {
	BlockNumber uint32
	Page        []byte
}

// ReadAll decodes a full block stream (magic, records, sentinel, CRC
// trailer) from in, verifying the trailer CRC. in must already be
// positioned at the start of the stream (i.e. before the magic).
func ReadAll(in io.Reader, pageSize int) ([]BlockRecord, error) {
	var magic [4]byte
	if _, err := io.ReadFull(in, magic[:]); err != nil {
		return nil, fmt.Errorf("pagecodec: read magic: %w", err)
	}
	if magic != StreamMagic {
		return nil, fmt.Errorf("pagecodec: bad magic %q", magic)
	}

	var crc uint32
	var records []BlockRecord
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(in, hdr); err != nil {
			return nil, fmt.Errorf("pagecodec: read block header: %w", err)
		}
		crc = crc32.Update(crc, crc32.IEEETable, hdr)
		blk := binary.LittleEndian.Uint32(hdr)
		if blk == blockSentinel {
			break
		}
		page := make([]byte, pageSize)
		if _, err := io.ReadFull(in, page); err != nil {
			return nil, fmt.Errorf("pagecodec: read page for block %d: %w", blk, err)
		}
		crc = crc32.Update(crc, crc32.IEEETable, page)
		records = append(records, BlockRecord{BlockNumber: blk, Page: page})
	}

	var trailer [4]byte
	if _, err := io.ReadFull(in, trailer[:]); err != nil {
		return nil, fmt.Errorf("pagecodec: read crc trailer: %w", err)
	}
	want := binary.LittleEndian.Uint32(trailer[:])
	if want != crc {
		return nil, fmt.Errorf("pagecodec: crc mismatch: stream=%08x computed=%08x", want, crc)
	}
	return records, nil
}
