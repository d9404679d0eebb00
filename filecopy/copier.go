// Package filecopy streams a single filesystem entry from its source path
// to its path in the backup: regular files optionally compressed and
// dispatched to the page codec when they are data files, directories
// recreated, symlinks recorded. It applies the incremental mtime-skip
// rule and guards against clock skew.
package filecopy

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kndrvt/pgrman/manifest"
	"github.com/kndrvt/pgrman/pagecodec"
	"github.com/kndrvt/pgrman/progress"
)

// DirMode is the fixed permission used when recreating directories in
// the backup.
const DirMode = 0o700

// Options configures one file's copy.
type Options struct {
	Compress         bool
	ChecksumsEnabled bool
	BaseLSN          *uint64
	PrevFileMissing  bool // previous manifest has no entry for this data file
	PageSize         int
	Sink             progress.Sink
	// Now returns the current time; overridable in tests.
	Now func() time.Time
	// Sleep is time.Sleep by default; overridable in tests so the
	// mtime-boundary wait doesn't actually block.
	Sleep func(time.Duration)
}

func (o *Options) sink() progress.Sink {
	if o.Sink == nil {
		return progress.Noop{}
	}
	return o.Sink
}

func (o *Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

func (o *Options) sleep(d time.Duration) {
	if o.Sleep == nil {
		time.Sleep(d)
		return
	}
	o.Sleep(d)
}

// CheckClockSkew fails the backup before any copy begins if the current
// wall clock is earlier than any observed file's mtime: a file from the
// future means a rewound clock, which would defeat the mtime-skip rule
// on every subsequent incremental.
func CheckClockSkew(entries []manifest.Entry, now time.Time) error {
	for _, e := range entries {
		if e.ModTime.After(now) {
			return fmt.Errorf("filecopy: file %q has mtime %s after current time %s (clock skew)",
				e.Path, e.ModTime, now)
		}
	}
	return nil
}

// waitPastMTimeSecond blocks until the wall clock has moved past the
// second containing mtime, so that writes landing in the same second
// after this backup observes the file are not missed by the next
// incremental's mtime comparison.
func waitPastMTimeSecond(mtime time.Time, opts *Options) {
	target := mtime.Truncate(time.Second).Add(time.Second)
	for {
		now := opts.now()
		if now.After(target) {
			return
		}
		opts.sleep(target.Sub(now) + time.Millisecond)
	}
}

// CopyOne copies one filesystem entry from srcPath to dstPath, given the
// entry observed by manifest.WalkTree and, if any, the previous backup's
// entry for the same logical path. It returns the manifest.Entry to
// record, with WriteSize filled in for regular files. CRC32 is filled in
// only for copied non-data files; data files (whose CRC lives in the
// block stream trailer) and skipped files keep the observed entry's
// CRC32.
func CopyOne(srcPath, dstPath string, observed manifest.Entry, prevEntry manifest.Entry, hasPrev bool, opts Options) (manifest.Entry, error) {
	final := observed

	switch observed.Type {
	case manifest.Directory:
		if err := os.MkdirAll(dstPath, DirMode); err != nil {
			return final, fmt.Errorf("filecopy: mkdir %s: %w", dstPath, err)
		}
		return final, nil

	case manifest.Symlink:
		if err := os.Symlink(observed.LinkTarget, dstPath); err != nil {
			return final, fmt.Errorf("filecopy: symlink %s -> %s: %w", dstPath, observed.LinkTarget, err)
		}
		return final, nil
	}

	opts.sink().OnFileStarted(observed.Path)

	if observed.IsDataFile {
		n, err := copyDataFile(srcPath, dstPath, &opts)
		if err != nil {
			return final, err
		}
		final.WriteSize = n.WriteBytes
		final.Blocks = n.Blocks
		opts.sink().OnFileFinished(observed.Path, final.WriteSize, false)
		return final, nil
	}

	// Skip rule: unchanged mtime since the previous base means the
	// content is assumed unchanged, and the file is never opened.
	if hasPrev && prevEntry.ModTime.Equal(observed.ModTime) {
		final.WriteSize = manifest.Skipped
		opts.sink().OnFileFinished(observed.Path, manifest.Skipped, true)
		return final, nil
	}

	if observed.ModTime.Truncate(time.Second).Equal(opts.now().Truncate(time.Second)) {
		waitPastMTimeSecond(observed.ModTime, &opts)
	}

	n, crc, err := copyPlainFile(srcPath, dstPath, observed.Mode, opts)
	if err != nil {
		return final, err
	}
	final.WriteSize = n
	final.CRC32 = crc
	opts.sink().OnFileFinished(observed.Path, n, false)
	return final, nil
}

// copyPlainFile streams src to dst, optionally through a zstd frame,
// preserving mode bits and computing CRC32 over the uncompressed content.
func copyPlainFile(srcPath, dstPath string, mode uint32, opts Options) (written int64, crc uint32, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, 0, fmt.Errorf("filecopy: open %s: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), DirMode); err != nil {
		return 0, 0, fmt.Errorf("filecopy: mkdir for %s: %w", dstPath, err)
	}
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode))
	if err != nil {
		return 0, 0, fmt.Errorf("filecopy: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	var out io.Writer = dst
	var closer io.Closer
	if opts.Compress {
		enc, err := pagecodec.NewCompressor(dst)
		if err != nil {
			return 0, 0, err
		}
		out, closer = enc, enc
	}

	hasher := crc32.NewIEEE()
	tee := io.TeeReader(src, hasher)

	buf := make([]byte, 256*1024)
	for {
		n, readErr := tee.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, 0, fmt.Errorf("filecopy: write %s: %w", dstPath, werr)
			}
			written += int64(n)
			opts.sink().OnBytes(int64(n))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, 0, fmt.Errorf("filecopy: read %s: %w", srcPath, readErr)
		}
	}

	if closer != nil {
		if err := closer.Close(); err != nil {
			return written, 0, fmt.Errorf("filecopy: flush compressor for %s: %w", dstPath, err)
		}
	}
	return written, hasher.Sum32(), nil
}

type dataFileStats struct {
	WriteBytes int64
	Blocks     int
}

func copyDataFile(srcPath, dstPath string, opts *Options) (dataFileStats, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return dataFileStats{}, fmt.Errorf("filecopy: open %s: %w", srcPath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstPath), DirMode); err != nil {
		return dataFileStats{}, fmt.Errorf("filecopy: mkdir for %s: %w", dstPath, err)
	}
	dst, err := os.Create(dstPath)
	if err != nil {
		return dataFileStats{}, fmt.Errorf("filecopy: create %s: %w", dstPath, err)
	}
	defer dst.Close()

	var out io.Writer = dst
	var closer io.Closer
	if opts.Compress {
		enc, err := pagecodec.NewCompressor(dst)
		if err != nil {
			return dataFileStats{}, err
		}
		out, closer = enc, enc
	}

	bw, err := pagecodec.NewWriter(out)
	if err != nil {
		return dataFileStats{}, err
	}

	stats, err := pagecodec.CopyDataFile(src, bw, pagecodec.Options{
		BaseLSN:          opts.BaseLSN,
		PrevFileMissing:  opts.PrevFileMissing,
		ChecksumsEnabled: opts.ChecksumsEnabled,
		PageSize:         opts.PageSize,
	})
	if err != nil {
		return dataFileStats{}, err
	}
	if err := bw.Close(); err != nil {
		return dataFileStats{}, err
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return dataFileStats{}, fmt.Errorf("filecopy: flush compressor for %s: %w", dstPath, err)
		}
	}

	opts.sink().OnBytes(stats.ReadBytes)
	return dataFileStats{WriteBytes: stats.WriteBytes, Blocks: stats.Blocks}, nil
}
