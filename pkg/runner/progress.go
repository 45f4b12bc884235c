package runner

import (
	"regexp"
	"strings"
)

// Extractor pulls progress details out of script output lines.
type Extractor struct {
	re *regexp.Regexp
}

// NewExtractor compiles pattern. An empty pattern extracts nothing.
func NewExtractor(pattern string) (*Extractor, error) {
	if strings.TrimSpace(pattern) == "" {
		return &Extractor{}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &Extractor{re: re}, nil
}

// Extract returns one detail per match on line. With capture groups the
// detail is the non-empty groups joined by a space; without groups it is
// the whole match.
func (e *Extractor) Extract(line string) []string {
	if e == nil || e.re == nil {
		return nil
	}

	var details []string
	for _, m := range e.re.FindAllStringSubmatch(line, -1) {
		if len(m) == 1 {
			details = append(details, m[0])
			continue
		}
		groups := make([]string, 0, len(m)-1)
		for _, g := range m[1:] {
			if g != "" {
				groups = append(groups, g)
			}
		}
		if len(groups) > 0 {
			details = append(details, strings.Join(groups, " "))
		}
	}
	return details
}
