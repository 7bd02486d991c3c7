// Package dedup removes repeated snapshots from the raw staging log and
// orders the survivors by capture marker.
package dedup

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"

	"transit_ingest/internal/telemetry"
)

// Stats summarises one deduplication run.
type Stats struct {
	Lines      int  `json:"lines"`      // Non-blank lines read.
	Malformed  int  `json:"malformed"`  // Lines dropped because they did not parse.
	Duplicates int  `json:"duplicates"` // Lines identical to an earlier one.
	Written    int  `json:"written"`    // Lines in the deduplicated log.
	NoInput    bool `json:"no_input"`   // The raw log did not exist.
}

// entry is one unique snapshot.
type entry struct {
	maxk      int64
	canonical []byte
}

// Snapshots reads newline-delimited snapshots from r and returns the unique
// ones in output order, each in canonical form.
func Snapshots(r io.Reader, logger *log.Logger) ([][]byte, Stats, error) {
	if logger == nil {
		logger = log.Default()
	}

	var st Stats
	seen := make(map[string]struct{})
	var entries []entry

	scanner := telemetry.NewLineScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		st.Lines++

		snap, err := telemetry.ParseSnapshot(line)
		if err != nil {
			st.Malformed++
			logger.Printf("dedup: line %d: %v", st.Lines, err)
			continue
		}
		canonical, err := telemetry.Canonical(line)
		if err != nil {
			st.Malformed++
			logger.Printf("dedup: line %d: %v", st.Lines, err)
			continue
		}

		key := string(canonical)
		if _, ok := seen[key]; ok {
			st.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, entry{maxk: int64(snap.MaxK), canonical: canonical})
	}
	if err := scanner.Err(); err != nil {
		return nil, st, fmt.Errorf("read raw log: %w", err)
	}

	// Equal markers fall back to the canonical text so output never depends
	// on input order.
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.maxk, b.maxk); c != 0 {
			return c
		}
		return bytes.Compare(a.canonical, b.canonical)
	})

	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.canonical
	}
	st.Written = len(out)
	return out, st, nil
}

// Deduplicate reads rawPath and writes the deduplicated log to outPath,
// replacing any previous content. A missing raw log is a no-op.
func Deduplicate(rawPath, outPath string, logger *log.Logger) (Stats, error) {
	if logger == nil {
		logger = log.Default()
	}

	f, err := os.Open(rawPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Printf("dedup: raw log %s not found, nothing to do", rawPath)
		return Stats{NoInput: true}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	lines, st, err := Snapshots(f, logger)
	if err != nil {
		return st, err
	}

	if err := WriteLines(outPath, lines); err != nil {
		return st, err
	}

	logger.Printf("dedup: %d lines read, %d malformed, %d duplicates, %d written to %s",
		st.Lines, st.Malformed, st.Duplicates, st.Written, outPath)
	return st, nil
}

// WriteLines writes lines to path as newline-delimited JSON. The file is
// written beside its destination and renamed into place.
func WriteLines(path string, lines [][]byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write output: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write output: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}
