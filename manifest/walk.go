package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"unicode"
)

// WalkTree enumerates every regular file, directory, and symlink under
// root into observed entries (WriteSize and CRC32 still zero — those are
// filled in once the file is actually copied). Traversal is lexically
// sorted and symlinks are recorded via os.Lstat, never followed.
func WalkTree(root string) ([]Entry, error) {
	var entries []Entry
	err := walk(root, root, &entries)
	return entries, err
}

func walk(root, dir string, out *[]Entry) error {
	names, err := readDirNamesSorted(dir)
	if err != nil {
		return fmt.Errorf("manifest: read dir %s: %w", dir, err)
	}

	for _, name := range names {
		full := filepath.Join(dir, name)
		info, err := os.Lstat(full)
		if err != nil {
			return fmt.Errorf("manifest: lstat %s: %w", full, err)
		}

		rel, err := filepath.Rel(root, full)
		if err != nil {
			return fmt.Errorf("manifest: rel %s: %w", full, err)
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(full)
			if err != nil {
				return fmt.Errorf("manifest: readlink %s: %w", full, err)
			}
			*out = append(*out, Entry{
				Path:       rel,
				Type:       Symlink,
				Mode:       uint32(info.Mode().Perm()),
				ModTime:    info.ModTime(),
				LinkTarget: target,
			})
		case info.IsDir():
			*out = append(*out, Entry{
				Path:    rel,
				Type:    Directory,
				Mode:    uint32(info.Mode().Perm()),
				ModTime: info.ModTime(),
			})
			if err := walk(root, full, out); err != nil {
				return err
			}
		default:
			*out = append(*out, Entry{
				Path:       rel,
				Type:       Regular,
				Mode:       uint32(info.Mode().Perm()),
				ModTime:    info.ModTime(),
				Size:       info.Size(),
				IsDataFile: isDataFileName(name),
			})
		}
	}
	return nil
}

// isDataFileName reports whether name names a relation segment: a
// regular file under the cluster root whose name begins with a digit.
func isDataFileName(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsDigit(rune(name[0]))
}

func readDirNamesSorted(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
