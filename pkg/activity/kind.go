// Package activity describes the configured job types a dispatcher serves.
package activity

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind is a coarse content classification of an uploaded file.
type Kind int

const (
	KindUnknown Kind = iota
	KindApp
	KindArchive
	KindAudio
	KindBook
	KindDoc
	KindFont
	KindImage
	KindText
	KindVideo
	// KindAny is the sentinel that accepts every upload without sniffing.
	KindAny
)

var kindNames = map[Kind]string{
	KindUnknown: "Unknown",
	KindApp:     "App",
	KindArchive: "Archive",
	KindAudio:   "Audio",
	KindBook:    "Book",
	KindDoc:     "Doc",
	KindFont:    "Font",
	KindImage:   "Image",
	KindText:    "Text",
	KindVideo:   "Video",
	KindAny:     "Any",
}

// String returns the configuration name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind resolves a configuration name (case-insensitive) to a Kind.
// Unknown is not a valid configuration value.
func ParseKind(name string) (Kind, error) {
	trimmed := strings.TrimSpace(name)
	for k, n := range kindNames {
		if k == KindUnknown {
			continue
		}
		if strings.EqualFold(n, trimmed) {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown file kind %q", name)
}

// MarshalYAML encodes the kind by name.
func (k Kind) MarshalYAML() (interface{}, error) {
	return k.String(), nil
}

// UnmarshalYAML decodes a kind name.
func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	var name string
	if err := node.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParseKind(name)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// KindSet is the set of kinds an activity accepts.
type KindSet []Kind

// NewKindSet builds a set from names, rejecting unknown ones.
func NewKindSet(names ...string) (KindSet, error) {
	set := make(KindSet, 0, len(names))
	for _, name := range names {
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		set = append(set, k)
	}
	return set, nil
}

// IsAny reports whether the set holds the Any sentinel.
func (s KindSet) IsAny() bool {
	for _, k := range s {
		if k == KindAny {
			return true
		}
	}
	return false
}

// Contains reports whether the set accepts kind k.
func (s KindSet) Contains(k Kind) bool {
	if s.IsAny() {
		return true
	}
	for _, accepted := range s {
		if accepted == k {
			return true
		}
	}
	return false
}

// String renders the set as a sorted, comma separated list.
func (s KindSet) String() string {
	names := make([]string, 0, len(s))
	for _, k := range s {
		names = append(names, k.String())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
