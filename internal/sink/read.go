package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

const maxRecordBytes = 16 << 20

// ReadRecords decodes each line of r and passes it to fn, stopping at the
// first error. Blank lines are skipped.
func ReadRecords(r io.Reader, fn func(Record) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode record on line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}
