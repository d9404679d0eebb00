package orchestrator

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/kndrvt/pgrman/filecopy"
	"github.com/kndrvt/pgrman/manifest"
	"github.com/kndrvt/pgrman/progress"
)

// copyTreeResult accumulates the manifest and byte counters produced by
// copying one source root into one backup root.
type copyTreeResult struct {
	List       *manifest.List
	ReadBytes  int64
	WriteBytes int64
}

// copyTree walks srcRoot, copies every entry into dstRoot, and folds the
// observed entries (plus the bytes each copy produced) into a new
// manifest list. prev is the manifest this run's incremental base
// produced for the same namespace, or nil for a full backup.
//
// manifestPrefix is prepended to every recorded path so that several
// independent source roots (PGDATA plus one subdirectory per
// tablespace) can be merged into a single manifest with disjoint
// path namespaces; srcRoot and dstRoot are unaffected by it.
func copyTree(srcRoot, dstRoot, manifestPrefix string, prev *manifest.List, baseLSN *uint64, checksumsEnabled, compress bool, pageSize int, sink progress.Sink, now time.Time) (copyTreeResult, error) {
	observed, err := manifest.WalkTree(srcRoot)
	if err != nil {
		return copyTreeResult{}, err
	}
	if err := filecopy.CheckClockSkew(observed, now); err != nil {
		return copyTreeResult{}, err
	}
	for i := range observed {
		observed[i].Path = filepath.Join(manifestPrefix, observed[i].Path)
	}

	var result copyTreeResult
	list, err := manifest.Fold(observed, prev, func(e manifest.Entry, prevEntry manifest.Entry, hasPrev bool) (manifest.Entry, error) {
		relPath := e.Path
		if manifestPrefix != "" {
			relPath = strings.TrimPrefix(relPath, manifestPrefix+string(filepath.Separator))
		}
		srcPath := filepath.Join(srcRoot, relPath)
		dstPath := filepath.Join(dstRoot, relPath)

		var prevMissing bool
		if e.IsDataFile {
			prevMissing = !hasPrev
		}

		final, err := filecopy.CopyOne(srcPath, dstPath, e, prevEntry, hasPrev, filecopy.Options{
			Compress:         compress,
			ChecksumsEnabled: checksumsEnabled,
			BaseLSN:          baseLSN,
			PrevFileMissing:  prevMissing,
			PageSize:         pageSize,
			Sink:             sink,
		})
		if err != nil {
			return manifest.Entry{}, err
		}
		if final.WriteSize > 0 {
			result.WriteBytes += final.WriteSize
		}
		if final.Type == manifest.Regular {
			result.ReadBytes += final.Size
		}
		return final, nil
	})
	if err != nil {
		return copyTreeResult{}, err
	}
	result.List = list
	return result, nil
}

// mergeLists combines several manifests with disjoint path prefixes into
// one. Paths are guaranteed unique by copyTree's prefixing, so this
// never collides.
func mergeLists(lists ...*manifest.List) (*manifest.List, error) {
	var all []manifest.Entry
	for _, l := range lists {
		if l == nil {
			continue
		}
		all = append(all, l.Sorted()...)
	}
	return manifest.NewList(all)
}
