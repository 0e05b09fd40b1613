package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klyr/klyr/internal/logging"
)

// Reader loads decision records, dropping those older than Since.
type Reader struct {
	Since time.Time
}

// Read loads records from a JSONL decision log file.
func (r *Reader) Read(path string) ([]logging.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.Decode(f)
}

// Decode reads one JSON record per line. Blank lines are skipped; a
// malformed line fails with its line number.
func (r *Reader) Decode(in io.Reader) ([]logging.Record, error) {
	var records []logging.Record
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var rec logging.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !r.Since.IsZero() && rec.Timestamp.Before(r.Since) {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
