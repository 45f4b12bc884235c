package activity

import (
	"fmt"
	"strings"
)

// Definition binds one script, its accepted kinds, a progress pattern and
// the number of accelerators it needs. It is immutable after load.
type Definition struct {
	Name          string  `yaml:"-"`
	Script        string  `yaml:"script"`
	Wants         KindSet `yaml:"wants"`
	ProgressRegex string  `yaml:"progress_regex"`
	GPUs          int     `yaml:"gpus"`
}

// reserved names collide with the shared directories under the base dir.
var reserved = map[string]bool{
	"work":        true,
	"status":      true,
	"queue":       true,
	"distributor": true,
	"scripts":     true,
}

// Validate checks the definition for values the dispatcher cannot serve.
// A progress pattern that fails to compile is not an error here; the job
// runner skips extraction for it.
func (d Definition) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("activity %q: name must be a single path element", d.Name)
	}
	if reserved[name] {
		return fmt.Errorf("activity %q: name is reserved by the directory layout", d.Name)
	}
	if len(d.Wants) == 0 {
		return fmt.Errorf("activity %q: wants must list at least one kind", d.Name)
	}
	for _, k := range d.Wants {
		if k == KindUnknown {
			return fmt.Errorf("activity %q: Unknown is not an acceptable kind", d.Name)
		}
	}
	if d.GPUs < 0 {
		return fmt.Errorf("activity %q: gpus must be >= 0, got %d", d.Name, d.GPUs)
	}
	if strings.TrimSpace(d.Script) == "" {
		return fmt.Errorf("activity %q: script path is required", d.Name)
	}
	return nil
}
