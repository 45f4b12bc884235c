package status

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
)

// Record is the content of one status file.
type Record struct {
	Activity string
	Phase    Phase
	Detail   string
}

// String renders the record as "<activity> - <Phase>:" followed by the
// detail when there is one.
func (r Record) String() string {
	line := fmt.Sprintf("%s - %s:", r.Activity, r.Phase)
	if r.Detail != "" {
		line += " " + r.Detail
	}
	return line
}

// ParseRecord reverses Record.String. Details may span several lines.
func ParseRecord(s string) (Record, error) {
	head, detail, _ := strings.Cut(s, ":")
	name, tag, ok := strings.Cut(head, " - ")
	if !ok {
		return Record{}, fmt.Errorf("malformed status record %q", s)
	}
	phase, err := ParsePhase(tag)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Activity: name,
		Phase:    phase,
		Detail:   strings.TrimSpace(detail),
	}, nil
}

// ReadStatus loads the status record at path.
func ReadStatus(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	return ParseRecord(string(data))
}

// ReadQueue loads the pending-file snapshot at path.
func ReadQueue(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			entries = append(entries, line)
		}
	}
	return entries, scanner.Err()
}
