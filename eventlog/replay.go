package eventlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ErrorHandler receives malformed or rejected lines. line is 1-based.
type ErrorHandler func(line int, err error)

// ReplayStats summarizes one replay.
type ReplayStats struct {
	Lines   int
	Applied int
	Skipped int
	Resets  int
}

// Replay folds the whole file at path into r. The reducer is reset first and
// again on every init marker. Malformed lines and reducer errors go to
// onError and are skipped; failing to open the file is returned.
func Replay(path string, r Reducer, onError ErrorHandler) (ReplayStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	r.Reset()
	var stats ReplayStats
	br := bufio.NewReader(f)
	for {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			stats.Lines++
			fold(r, raw, stats.Lines, &stats, onError)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read event log: %w", err)
		}
	}
	return stats, nil
}

// fold applies one raw line and reports what happened. It returns the
// parsed entry for update records that were applied.
func fold(r Reducer, raw []byte, lineNo int, stats *ReplayStats, onError ErrorHandler) (*Entry, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, false
	}
	seg, entry, err := parseLine(raw)
	if err != nil {
		stats.Skipped++
		if onError != nil {
			onError(lineNo, err)
		}
		return nil, false
	}
	if seg != "" {
		r.Reset()
		stats.Resets++
		return nil, true
	}
	if err := r.Apply(entry); err != nil {
		stats.Skipped++
		if onError != nil {
			onError(lineNo, fmt.Errorf("apply %s: %w", entry.Kind, err))
		}
		return nil, false
	}
	stats.Applied++
	return &entry, false
}
