package pagecodec

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kndrvt/pgrman/pgrerr"
)

// Options configures one data-file copy pass.
type Options struct {
	// BaseLSN is the previous backup's start LSN. Nil means no base
	// (this is a full backup, or the base is unavailable).
	BaseLSN *uint64
	// PrevFileMissing is true when the previous backup's manifest has no
	// entry for this file (or marked it skipped-then-deleted); this
	// forces all-zero blocks to be emitted verbatim instead of skipped,
	// since there is no earlier copy to fall back on at restore time.
	PrevFileMissing bool
	// ChecksumsEnabled mirrors the cluster's data_checksums setting.
	ChecksumsEnabled bool
	// PageSize is the server's block size, normally pagecodec.PageSize.
	PageSize int
}

// Stats accumulates byte counters for one file copy.
type Stats struct {
	ReadBytes  int64
	WriteBytes int64
	Blocks     int
}

// maxChecksumRetries bounds the torn-read retry loop: a page whose
// checksum fails verification is re-read this many times before it is
// reported as corrupt, to tolerate a concurrently written page caught
// mid-write.
const maxChecksumRetries = 3

// source is the narrow file surface CopyDataFile needs.
type source interface {
	ReadAt(p []byte, off int64) (int, error)
	Stat() (os.FileInfo, error)
}

// CopyDataFile streams src's pages through the LSN filter and checksum
// verification, writing the include set as block records to w (typically
// a *Writer, already opened). It returns once src is exhausted.
func CopyDataFile(src source, w *Writer, opts Options) (Stats, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = PageSize
	}

	var stats Stats
	buf := make([]byte, pageSize)

	for block := uint32(0); ; block++ {
		offset := int64(block) * int64(pageSize)
		n, readErr := src.ReadAt(buf, offset)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return stats, fmt.Errorf("pagecodec: read block %d: %w", block, readErr)
		}
		if n < pageSize {
			// Short read at EOF: the file ends here, cleanly or because
			// it shrank since we started.
			break
		}
		stats.ReadBytes += int64(pageSize)

		page := append([]byte(nil), buf[:pageSize]...)

		if IsZero(page) {
			if opts.BaseLSN == nil || opts.PrevFileMissing {
				if err := w.WriteBlock(block, page); err != nil {
					return stats, err
				}
				stats.WriteBytes += int64(pageSize)
				stats.Blocks++
			}
			continue
		}

		if opts.ChecksumsEnabled {
			ok, truncated, err := verifyWithRetry(src, block, page, offset, pageSize)
			if err != nil {
				return stats, err
			}
			if truncated {
				break
			}
			if !ok {
				return stats, pgrerr.Wrap(pgrerr.KindCorruptPage,
					fmt.Sprintf("checksum mismatch on block %d", block), nil)
			}
		}

		hdr := ParseHeader(page)
		if opts.BaseLSN != nil && hdr.LSN < *opts.BaseLSN {
			continue
		}

		if err := w.WriteBlock(block, page); err != nil {
			return stats, err
		}
		stats.WriteBytes += int64(pageSize)
		stats.Blocks++
	}

	return stats, nil
}

// verifyWithRetry retries a checksum-failing read up to maxChecksumRetries
// times to tolerate torn reads of a concurrently written page, then
// re-stats the file: if it has shrunk past this block, the caller should
// treat it as end-of-file rather than a corrupt page.
func verifyWithRetry(src source, block uint32, page []byte, offset int64, pageSize int) (ok bool, truncated bool, err error) {
	if VerifyChecksum(page, block) {
		return true, false, nil
	}

	buf := make([]byte, pageSize)
	for attempt := 0; attempt < maxChecksumRetries; attempt++ {
		n, readErr := src.ReadAt(buf, offset)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return false, false, fmt.Errorf("pagecodec: retry read block %d: %w", block, readErr)
		}
		if n < pageSize {
			break
		}
		if VerifyChecksum(buf, block) {
			copy(page, buf)
			return true, false, nil
		}
	}

	info, statErr := src.Stat()
	if statErr != nil {
		return false, false, fmt.Errorf("pagecodec: re-stat after checksum failure on block %d: %w", block, statErr)
	}
	if info.Size() <= offset {
		return false, true, nil
	}
	return false, false, nil
}
