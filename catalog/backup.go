package catalog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Mode identifies what kind of data a backup covers.
type Mode string

const (
	ModeFull        Mode = "FULL"
	ModeIncremental Mode = "INCREMENTAL"
	ModeArchive     Mode = "ARCHIVE"
)

// Status is the lifecycle state of a Backup record.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusError   Status = "ERROR"
	StatusDeleted Status = "DELETED"
	StatusCorrupt Status = "CORRUPT"
)

// Backup is one durable catalog entry.
type Backup struct {
	ID     string // YYYYMMDDTHHMMSS, derived from StartTime
	Status Status
	Mode   Mode

	StartTime time.Time
	EndTime   time.Time

	Timeline uint32
	StartLSN uint64
	StopLSN  uint64

	BlockSize    int
	WALBlockSize int

	RecoveryXID  uint32
	RecoveryTime time.Time

	WithServerlog bool
	CompressData  bool
	FromStandby   bool

	TotalDataBytes   int64
	ReadBytes        int64
	WriteBytes       int64
	ReadArclogBytes  int64
	ReadServlogBytes int64
}

// NewID derives a backup identifier from its start time, to second
// resolution, matching the directory-name format in the catalog layout.
func NewID(start time.Time) string {
	return start.UTC().Format("20060102T150405")
}

// EligibleAsBase reports whether b can serve as the incremental base for
// a new backup on the given timeline: it must have completed cleanly, be
// a full or incremental backup (not an archive-only one), and its
// timeline must match exactly.
func (b Backup) EligibleAsBase(timeline uint32) bool {
	if b.Status != StatusDone {
		return false
	}
	if b.Mode != ModeFull && b.Mode != ModeIncremental {
		return false
	}
	return b.Timeline == timeline
}

// Dir returns the backup's directory under root's "backup" subdirectory.
func (b Backup) Dir(root string) string {
	return filepath.Join(root, "backup", b.ID)
}

const iniFileName = "backup.ini"

// encode renders b as backup.ini key=value lines.
func (b Backup) encode() string {
	var sb strings.Builder
	kv := func(k, v string) {
		fmt.Fprintf(&sb, "%s=%s\n", k, v)
	}
	kv("start_time", b.StartTime.UTC().Format(time.RFC3339))
	if !b.EndTime.IsZero() {
		kv("end_time", b.EndTime.UTC().Format(time.RFC3339))
	}
	kv("status", string(b.Status))
	kv("backup_mode", string(b.Mode))
	kv("with_serverlog", strconv.FormatBool(b.WithServerlog))
	kv("compress_data", strconv.FormatBool(b.CompressData))
	kv("from_standby", strconv.FormatBool(b.FromStandby))
	kv("timeline", strconv.FormatUint(uint64(b.Timeline), 10))
	kv("start_lsn", FormatLSN(b.StartLSN))
	kv("stop_lsn", FormatLSN(b.StopLSN))
	kv("block_size", strconv.Itoa(b.BlockSize))
	kv("wal_block_size", strconv.Itoa(b.WALBlockSize))
	kv("recovery_xid", strconv.FormatUint(uint64(b.RecoveryXID), 10))
	if !b.RecoveryTime.IsZero() {
		kv("recovery_time", b.RecoveryTime.UTC().Format(time.RFC3339))
	}
	kv("total_data_bytes", strconv.FormatInt(b.TotalDataBytes, 10))
	kv("read_bytes", strconv.FormatInt(b.ReadBytes, 10))
	kv("write_bytes", strconv.FormatInt(b.WriteBytes, 10))
	kv("read_arclog_bytes", strconv.FormatInt(b.ReadArclogBytes, 10))
	kv("read_srvlog_bytes", strconv.FormatInt(b.ReadServlogBytes, 10))
	return sb.String()
}

// decodeBackup parses a backup.ini file's content.
func decodeBackup(id string, r *bufio.Scanner) (Backup, error) {
	b := Backup{ID: id}
	for r.Scan() {
		line := strings.TrimSpace(r.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Backup{}, fmt.Errorf("catalog: malformed backup.ini line %q", line)
		}
		var err error
		switch k {
		case "start_time":
			b.StartTime, err = time.Parse(time.RFC3339, v)
		case "end_time":
			b.EndTime, err = time.Parse(time.RFC3339, v)
		case "status":
			b.Status = Status(v)
		case "backup_mode":
			b.Mode = Mode(v)
		case "with_serverlog":
			b.WithServerlog, err = strconv.ParseBool(v)
		case "compress_data":
			b.CompressData, err = strconv.ParseBool(v)
		case "from_standby":
			b.FromStandby, err = strconv.ParseBool(v)
		case "timeline":
			var tl uint64
			tl, err = strconv.ParseUint(v, 10, 32)
			b.Timeline = uint32(tl)
		case "start_lsn":
			b.StartLSN, err = ParseLSN(v)
		case "stop_lsn":
			b.StopLSN, err = ParseLSN(v)
		case "block_size":
			b.BlockSize, err = strconv.Atoi(v)
		case "wal_block_size":
			b.WALBlockSize, err = strconv.Atoi(v)
		case "recovery_xid":
			var xid uint64
			xid, err = strconv.ParseUint(v, 10, 32)
			b.RecoveryXID = uint32(xid)
		case "recovery_time":
			b.RecoveryTime, err = time.Parse(time.RFC3339, v)
		case "total_data_bytes":
			b.TotalDataBytes, err = strconv.ParseInt(v, 10, 64)
		case "read_bytes":
			b.ReadBytes, err = strconv.ParseInt(v, 10, 64)
		case "write_bytes":
			b.WriteBytes, err = strconv.ParseInt(v, 10, 64)
		case "read_arclog_bytes":
			b.ReadArclogBytes, err = strconv.ParseInt(v, 10, 64)
		case "read_srvlog_bytes":
			b.ReadServlogBytes, err = strconv.ParseInt(v, 10, 64)
		}
		if err != nil {
			return Backup{}, fmt.Errorf("catalog: backup.ini field %q=%q: %w", k, v, err)
		}
	}
	if err := r.Err(); err != nil {
		return Backup{}, fmt.Errorf("catalog: scan backup.ini: %w", err)
	}
	return b, nil
}

// WriteMetadata flushes b's backup.ini atomically: write to a temp file
// in the same directory, then rename over the target, so a reader never
// observes a partially written file.
func WriteMetadata(root string, b Backup) error {
	dir := b.Dir(root)
	target := filepath.Join(dir, iniFileName)
	tmp, err := os.CreateTemp(dir, iniFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("catalog: create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(b.encode()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("catalog: write temp metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("catalog: sync temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("catalog: close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("catalog: rename metadata file into place: %w", err)
	}
	return nil
}

// ReadMetadata parses one backup directory's backup.ini.
func ReadMetadata(root, id string) (Backup, error) {
	path := filepath.Join(root, "backup", id, iniFileName)
	f, err := os.Open(path)
	if err != nil {
		return Backup{}, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	return decodeBackup(id, bufio.NewScanner(f))
}
