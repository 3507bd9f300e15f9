// Package devfile provides positional read/write helpers for sysfs attribute files.
package devfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readBufSize bounds a single attribute read. Sysfs values are short decimal
// strings; 50 bytes covers every attribute this daemon touches.
const readBufSize = 50

// ReadFloat reads the attribute at offset zero and parses it as a float.
func ReadFloat(f *os.File) (float64, error) {
	buf := make([]byte, readBufSize)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", f.Name(), err)
	}

	val, err := strconv.ParseFloat(strings.TrimSpace(string(buf[:n])), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", f.Name(), err)
	}
	return val, nil
}

// WriteInt truncates the file and writes the value as a decimal string at
// offset zero. The truncate-then-write sequence is load-bearing: some
// backlight drivers misbehave when successive writes accumulate in one open
// file description.
func WriteInt(f *os.File, val int64) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", f.Name(), err)
	}
	if _, err := f.WriteAt([]byte(strconv.FormatInt(val, 10)), 0); err != nil {
		return fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	return nil
}
