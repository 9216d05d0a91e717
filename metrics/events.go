package metrics

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return ((c >> 15) | (c << 17)) + 0xa282ead8
}

// EventWriter appends TFRecord-framed Event protos to one tfevents file.
type EventWriter struct {
	path string
	f    *os.File
	w    *bufio.Writer
}

// NewEventWriter creates dir and a new event file in it, starting with the
// file version record.
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), host))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	ew := &EventWriter{path: path, f: f, w: bufio.NewWriter(f)}
	if err := ew.write(event(wallTime(now), 0, fileVersion, nil)); err != nil {
		f.Close()
		return nil, err
	}
	return ew, nil
}

func wallTime(t time.Time) float64 { return float64(t.UnixNano()) / 1e9 }

// Path returns the event file path.
func (ew *EventWriter) Path() string { return ew.path }

func (ew *EventWriter) write(data []byte) error {
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(header[8:], maskedCRC(header[:8]))
	var footer [4]byte
	binary.LittleEndian.PutUint32(footer[:], maskedCRC(data))
	if _, err := ew.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := ew.w.Write(data); err != nil {
		return err
	}
	_, err := ew.w.Write(footer[:])
	return err
}

// WriteSummary records a summary at step.
func (ew *EventWriter) WriteSummary(step int64, s *summary) error {
	if s.empty() {
		return nil
	}
	return ew.write(event(wallTime(time.Now()), step, "", s.b))
}

// Flush pushes buffered records to the file.
func (ew *EventWriter) Flush() error { return ew.w.Flush() }

// Close flushes and closes the file.
func (ew *EventWriter) Close() error {
	if err := ew.w.Flush(); err != nil {
		ew.f.Close()
		return err
	}
	return ew.f.Close()
}

// readRecords decodes the TFRecord framing of an event file, verifying
// both checksums.
func readRecords(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("metrics: truncated record header in %s", path)
		}
		n := binary.LittleEndian.Uint64(data[:8])
		if binary.LittleEndian.Uint32(data[8:12]) != maskedCRC(data[:8]) {
			return nil, fmt.Errorf("metrics: bad length checksum in %s", path)
		}
		data = data[12:]
		if uint64(len(data)) < n+4 {
			return nil, fmt.Errorf("metrics: truncated record in %s", path)
		}
		rec := data[:n]
		if binary.LittleEndian.Uint32(data[n:n+4]) != maskedCRC(rec) {
			return nil, fmt.Errorf("metrics: bad data checksum in %s", path)
		}
		out = append(out, rec)
		data = data[n+4:]
	}
	return out, nil
}
