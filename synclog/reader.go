package synclog

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Record is one parsed change log line, e.g. ["RENAME", "user.a", "user.b"].
type Record struct {
	Fields []string
}

// Kind returns the record kind, the first field.
func (r Record) Kind() string {
	if len(r.Fields) == 0 {
		return ""
	}
	return r.Fields[0]
}

// Reader consumes queued change records from one channel's log file.
//
// Opening a reader rotates the live log to "<path>-run" so writers start a
// fresh file and the consumer works on a stable snapshot. If a -run file
// already exists, a previous consumer crashed before finishing; that file is
// resumed instead of rotating again, so records are delivered at least once.
// Call Done after all records have been processed to remove the snapshot.
type Reader struct {
	runPath string
	records []Record
}

// OpenReader rotates and reads the change log at path. A missing log file
// means no queued work: an empty reader.
func OpenReader(path string) (*Reader, error) {
	runPath := path + "-run"
	if _, err := os.Stat(runPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %v", runPath, err)
		}
		err := os.Rename(path, runPath)
		if err != nil && os.IsNotExist(err) {
			return &Reader{runPath: runPath}, nil
		} else if err != nil {
			return nil, fmt.Errorf("rotating %s: %v", path, err)
		}
	}

	f, err := os.Open(runPath)
	if err != nil {
		return nil, fmt.Errorf("open rotated log: %v", err)
	}
	defer f.Close()

	r := &Reader{runPath: runPath}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields, err := splitRecord(line)
		if err != nil {
			return nil, fmt.Errorf("parsing record %q: %v", line, err)
		}
		r.records = append(r.records, Record{Fields: fields})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rotated log: %v", err)
	}
	return r, nil
}

// Records returns the queued records in log order.
func (r *Reader) Records() []Record {
	return r.records
}

// Done removes the rotated snapshot. Only call after every record has been
// handled; until then a crash leaves the snapshot for the next run.
func (r *Reader) Done() error {
	if len(r.records) == 0 {
		// Nothing was rotated, or an empty file; remove if present.
		err := os.Remove(r.runPath)
		if err != nil && os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.Remove(r.runPath)
}

// splitRecord splits a log line into fields, undoing the quoting of
// quoteName.
func splitRecord(line string) ([]string, error) {
	var fields []string
	i := 0
	for i < len(line) {
		if line[i] == ' ' {
			i++
			continue
		}
		if line[i] == '"' {
			i++
			var b strings.Builder
			for {
				if i >= len(line) {
					return nil, fmt.Errorf("unterminated quoted field")
				}
				c := line[i]
				if c == '\\' {
					i++
					if i >= len(line) {
						return nil, fmt.Errorf("bare backslash at end of field")
					}
					b.WriteByte(line[i])
					i++
					continue
				}
				if c == '"' {
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			fields = append(fields, b.String())
			continue
		}
		j := strings.IndexByte(line[i:], ' ')
		if j < 0 {
			fields = append(fields, line[i:])
			break
		}
		fields = append(fields, line[i:i+j])
		i += j
	}
	return fields, nil
}
