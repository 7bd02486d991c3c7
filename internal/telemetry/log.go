package telemetry

import (
	"bufio"
	"io"
)

// MaxLineSize bounds a single staging-log line. Full provider responses for a
// busy city are a few MB.
const MaxLineSize = 64 * 1024 * 1024

// NewLineScanner returns a scanner over newline-delimited snapshots.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, MaxLineSize)
	return scanner
}
