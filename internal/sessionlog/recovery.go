package sessionlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tiger/dictation-pipeline/api/pipelineevent"
)

// Orphan is an interrupted session: a temp log file with no closing
// session-stop control record.
type Orphan struct {
	RequestID string
	TempPath  string
	// Date is the session day decoded from the request ID.
	Date time.Time
	// LastSequence is the highest sequence number in the temp file, or -1
	// when the file holds no parseable events.
	LastSequence int64
}

// Scan walks the log root for interrupted sessions. A temp file whose last
// record already closes the session belongs to a crash between the closing
// append and the rename; it is reported too, and Recover finalizes it
// without appending a second closing record.
func Scan(root string) ([]Orphan, error) {
	var orphans []Orphan
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasPrefix(d.Name(), ".temp_") {
			return nil
		}
		id, ok := requestIDFromFile(d.Name())
		if !ok {
			return nil
		}
		last, _, scanErr := lastEvent(path)
		if scanErr != nil {
			return fmt.Errorf("scan %s: %w", path, scanErr)
		}
		seq := int64(-1)
		if last != nil {
			seq = last.SequenceNo
		}
		day, _ := time.Parse("060102", id[:6])
		orphans = append(orphans, Orphan{RequestID: id, TempPath: path, Date: day, LastSequence: seq})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].RequestID < orphans[j].RequestID })
	return orphans, nil
}

// Recover finalizes every interrupted session under root: each orphan gets
// a closing control record with stop reason "unexpected" (unless its last
// record already closes the session) and is renamed to its durable name.
// It returns the finalized paths.
func Recover(root string, now func() time.Time) ([]string, error) {
	if now == nil {
		now = time.Now
	}
	orphans, err := Scan(root)
	if err != nil {
		return nil, err
	}
	var finalized []string
	for _, o := range orphans {
		path, err := finalizeOrphan(o, now)
		if err != nil {
			return finalized, fmt.Errorf("recover %s: %w", o.RequestID, err)
		}
		finalized = append(finalized, path)
	}
	return finalized, nil
}

func finalizeOrphan(o Orphan, now func() time.Time) (string, error) {
	last, _, err := lastEvent(o.TempPath)
	if err != nil {
		return "", err
	}
	if last == nil || !last.IsClose() {
		closing := pipelineevent.Event{
			RequestID:  o.RequestID,
			EventID:    pipelineevent.NewEventID(),
			SequenceNo: o.LastSequence + 1,
			Kind:       pipelineevent.KindControl,
			Payload: pipelineevent.Payload{
				Signal:     pipelineevent.SignalSessionStop,
				StopReason: pipelineevent.StopUnexpected,
				Reason:     "recovered interrupted session",
			},
			WallClockMS: now().UnixMilli(),
		}
		if err := appendClosing(o.TempPath, closing); err != nil {
			return "", err
		}
	}

	final := durableName(o)
	if err := os.Rename(o.TempPath, final); err != nil {
		return "", fmt.Errorf("finalize recovered log: %w", err)
	}
	return final, nil
}

// durableName picks <id>.jsonl, or the next part number when earlier
// rollover parts already exist beside the temp file.
func durableName(o Orphan) string {
	dir := filepath.Dir(o.TempPath)
	parts, _ := filepath.Glob(filepath.Join(dir, o.RequestID+".part*.jsonl"))
	if len(parts) == 0 {
		return filepath.Join(dir, o.RequestID+".jsonl")
	}
	return filepath.Join(dir, fmt.Sprintf("%s.part%02d.jsonl", o.RequestID, len(parts)+1))
}

func appendClosing(path string, ev pipelineevent.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal closing event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("open recovered log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("append closing event: %w", err)
	}
	return f.Sync()
}

// Replay reads one durable log file and returns its events in file order,
// enforcing strictly increasing sequence numbers.
func Replay(path string) ([]pipelineevent.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var events []pipelineevent.Event
	lastSeq := int64(-1)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev pipelineevent.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if err := ev.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		if ev.SequenceNo <= lastSeq {
			return nil, fmt.Errorf("%s:%d: sequence regressed from %d to %d", path, lineNo, lastSeq, ev.SequenceNo)
		}
		lastSeq = ev.SequenceNo
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return events, nil
}

// ReplaySession loads every durable file for one request ID under a day
// directory, part files first in order, and verifies gapless sequencing
// across the whole session.
func ReplaySession(dayDir, requestID string) ([]pipelineevent.Event, error) {
	parts, err := filepath.Glob(filepath.Join(dayDir, requestID+".part*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(parts)
	single := filepath.Join(dayDir, requestID+".jsonl")
	if _, statErr := os.Stat(single); statErr == nil {
		parts = append(parts, single)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("no session log for request %s", requestID)
	}

	var events []pipelineevent.Event
	for _, p := range parts {
		chunk, err := Replay(p)
		if err != nil {
			return nil, err
		}
		events = append(events, chunk...)
	}
	for i := 1; i < len(events); i++ {
		if events[i].SequenceNo != events[i-1].SequenceNo+1 {
			return nil, fmt.Errorf("request %s: sequence gap between %d and %d",
				requestID, events[i-1].SequenceNo, events[i].SequenceNo)
		}
	}
	return events, nil
}

// Discard permanently deletes an interrupted session's temp file and any
// rollover parts already written for it.
func Discard(o Orphan) error {
	parts, err := filepath.Glob(filepath.Join(filepath.Dir(o.TempPath), o.RequestID+".part*.jsonl"))
	if err != nil {
		return err
	}
	for _, p := range append(parts, o.TempPath) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard session log: %w", err)
		}
	}
	return nil
}

// lastEvent returns the final parseable event of a JSONL file. It tolerates
// a torn trailing line from a crash mid-write.
func lastEvent(path string) (*pipelineevent.Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var last *pipelineevent.Event
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev pipelineevent.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		last = &ev
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return last, count, nil
}
