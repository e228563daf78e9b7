package sessionlog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// Request IDs are date-coded: YYMMDD followed by a four-digit per-day
// counter. Logs are partitioned under <root>/YY/MM/DD/.
const maxDailySessions = 9999

var requestIDFileRE = regexp.MustCompile(`^(?:\.temp_)?([0-9]{10})(?:\.part[0-9]{2})?\.jsonl$`)

// DayDir returns the log directory for the given instant.
func DayDir(root string, t time.Time) string {
	return filepath.Join(root, t.Format("06"), t.Format("01"), t.Format("02"))
}

// AllocateRequestID scans the day's log directory and returns the next
// unused date-coded request ID. Temp files count: an interrupted session
// still owns its ID.
func AllocateRequestID(root string, now time.Time) (string, error) {
	prefix := now.Format("060102")
	dir := DayDir(root, now)

	highest := 0
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("scan log directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := requestIDFileRE.FindStringSubmatch(entry.Name())
		if m == nil || m[1][:6] != prefix {
			continue
		}
		n, err := strconv.Atoi(m[1][6:])
		if err != nil {
			continue
		}
		if n > highest {
			highest = n
		}
	}
	if highest >= maxDailySessions {
		return "", fmt.Errorf("daily session limit reached for %s", prefix)
	}
	return fmt.Sprintf("%s%04d", prefix, highest+1), nil
}

// requestIDFromFile extracts the request ID from a session log filename.
func requestIDFromFile(name string) (string, bool) {
	m := requestIDFileRE.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}
