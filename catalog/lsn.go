package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN parses a PostgreSQL log-sequence-number text form, "X/X" in
// hex, such as what pg_lsn columns render as over the wire.
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("catalog: malformed lsn %q", s)
	}
	hiV, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("catalog: malformed lsn %q: %w", s, err)
	}
	loV, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("catalog: malformed lsn %q: %w", s, err)
	}
	return hiV<<32 | loV, nil
}

// FormatLSN renders an LSN in the same "X/X" hex form.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", lsn>>32, lsn&0xffffffff)
}
