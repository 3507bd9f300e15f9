package training

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Store persists the point set as a plain text file, one point per line,
// three space-separated decimal integers: lux, luma, backlight.
type Store struct {
	f *os.File
}

// OpenStore opens (creating if needed) the data file with O_DSYNC so a crash
// loses at most the latest unsaved insertion.
func OpenStore(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_DSYNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	return &Store{f: f}, nil
}

// Load reads every point from the file. A malformed line aborts the load with
// an error; the file itself is left untouched so the caller can start with an
// empty set without destroying the user's data.
func (st *Store) Load() ([]Point, error) {
	if _, err := st.f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("failed to rewind data file: %w", err)
	}

	var points []Point
	scanner := bufio.NewScanner(st.f)
	for scanner.Scan() {
		p, err := parseLine(scanner.Text())
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	return points, nil
}

func parseLine(line string) (Point, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Point{}, fmt.Errorf("malformed data line %q", line)
	}

	var vals [3]int64
	for i, field := range fields {
		v, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return Point{}, fmt.Errorf("malformed data line %q: %w", line, err)
		}
		vals[i] = v
	}

	return Point{Lux: vals[0], Luma: int(vals[1]), Backlight: int(vals[2])}, nil
}

// Save truncates the file and rewrites every point in set order.
func (st *Store) Save(points []Point) error {
	if err := st.f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate data file: %w", err)
	}
	if _, err := st.f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind data file: %w", err)
	}

	var buf strings.Builder
	for _, p := range points {
		fmt.Fprintf(&buf, "%d %d %d\n", p.Lux, p.Luma, p.Backlight)
	}
	if _, err := st.f.WriteString(buf.String()); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}
	return nil
}

// Close releases the data file.
func (st *Store) Close() error {
	return st.f.Close()
}
