package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
)

const (
	defaultDirMode  os.FileMode = 0o755
	defaultFileMode os.FileMode = 0o600
	defaultMaxBytes             = 8 << 20
)

// Config controls session log behavior.
type Config struct {
	Root string
	// MaxBytes triggers rollover to a new part file before a record that
	// would push the current file past the threshold. Records are never
	// split across files.
	MaxBytes int64
	DirMode  os.FileMode
	FileMode os.FileMode
	Now      func() time.Time
	// OnDegraded fires once when the logger gives up on disk writes.
	OnDegraded func(error)
}

// Logger appends session events as JSON lines. The active file carries a
// .temp_ prefix until the session finalizes, so an interrupted run is
// distinguishable from a closed one by filename alone.
type Logger struct {
	cfg       Config
	requestID string
	dayDir    string

	mu       sync.Mutex
	file     *os.File
	tempPath string
	size     int64
	parts    int
	written  []string
	degraded bool
}

// Open starts a session log for the given request ID.
func Open(cfg Config, requestID string) (*Logger, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("session log root is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = defaultDirMode
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = defaultFileMode
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Logger{cfg: cfg, requestID: requestID, dayDir: DayDir(cfg.Root, cfg.Now())}
	if err := os.MkdirAll(l.dayDir, cfg.DirMode); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openTemp(); err != nil {
		return nil, err
	}
	return l, nil
}

// RequestID returns the session's request ID.
func (l *Logger) RequestID() string {
	return l.requestID
}

// Degraded reports whether the logger has given up on disk writes. The
// pipeline keeps running when logging degrades; only persistence stops.
func (l *Logger) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Append writes one validated event as a JSON line and syncs it to disk.
// A write failure is retried once; a second failure marks the logger
// degraded and drops all further appends.
func (l *Logger) Append(ev pipelineevent.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("invalid session event: %w", err)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	line := append(payload, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		return fmt.Errorf("session log degraded")
	}
	if l.file == nil {
		return fmt.Errorf("session log closed")
	}

	if l.size > 0 && l.size+int64(len(line)) > l.cfg.MaxBytes {
		if err := l.rollover(); err != nil {
			return l.degrade(err)
		}
	}

	if err := l.writeLine(line); err != nil {
		// A failed write may have landed partial bytes; restore the
		// pre-write offset so the single retry cannot corrupt the tail.
		if truncErr := l.rewind(); truncErr != nil {
			return l.degrade(truncErr)
		}
		if retryErr := l.writeLine(line); retryErr != nil {
			return l.degrade(retryErr)
		}
	}
	return nil
}

// rewind truncates the active file back to the last fully-written record.
// The file is opened O_APPEND, so the next write lands at the new end.
func (l *Logger) rewind() error {
	if err := l.file.Truncate(l.size); err != nil {
		return fmt.Errorf("truncate session log: %w", err)
	}
	return nil
}

// Finalize syncs the active file and renames it to its durable name. Call
// after appending the closing control record.
func (l *Logger) Finalize() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return "", fmt.Errorf("session log already finalized")
	}
	final := l.finalPath()
	if err := l.closeInto(final); err != nil {
		return "", err
	}
	l.written = append(l.written, final)
	return final, nil
}

// Paths returns every durable file written so far, oldest first.
func (l *Logger) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.written))
	copy(out, l.written)
	return out
}

func (l *Logger) openTemp() error {
	path := filepath.Join(l.dayDir, ".temp_"+l.requestID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, l.cfg.FileMode)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	l.file = f
	l.tempPath = path
	l.size = 0
	return nil
}

// rollover finalizes the active file as the next part and opens a fresh
// temp file. The record that triggered the rollover lands in the new file
// intact.
func (l *Logger) rollover() error {
	l.parts++
	part := filepath.Join(l.dayDir, fmt.Sprintf("%s.part%02d.jsonl", l.requestID, l.parts))
	if err := l.closeInto(part); err != nil {
		return err
	}
	l.written = append(l.written, part)
	return l.openTemp()
}

func (l *Logger) closeInto(final string) error {
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync session log: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close session log: %w", err)
	}
	l.file = nil
	if err := os.Rename(l.tempPath, final); err != nil {
		return fmt.Errorf("finalize session log: %w", err)
	}
	return nil
}

func (l *Logger) finalPath() string {
	if l.parts == 0 {
		return filepath.Join(l.dayDir, l.requestID+".jsonl")
	}
	return filepath.Join(l.dayDir, fmt.Sprintf("%s.part%02d.jsonl", l.requestID, l.parts+1))
}

func (l *Logger) writeLine(line []byte) error {
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync session event: %w", err)
	}
	l.size += int64(len(line))
	return nil
}

func (l *Logger) degrade(err error) error {
	l.degraded = true
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.cfg.OnDegraded != nil {
		l.cfg.OnDegraded(err)
	}
	return fmt.Errorf("session log degraded: %w", err)
}
