// Package specification implements the environment-specification
// pipeline: parse, structural validation, channel and package policy
// enforcement, canonicalization, content-hash identity, and
// deduplication against already-stored specifications.
package specification

import (
	"encoding/json"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Dependency is one element of a specification's heterogeneous
// dependency list: either a conda match-spec string, or the single
// nested pip block. Exactly one of Conda / Pip is populated.
type Dependency struct {
	Conda string
	Pip   []string
}

// IsPip reports whether this element is the nested pip block.
func (d Dependency) IsPip() bool { return d.Pip != nil }

// DependencyList preserves the user's ordered, heterogeneous dependency
// list across JSON and YAML round-trips. At most one pip block is
// permitted.
type DependencyList []Dependency

func (l DependencyList) MarshalJSON() ([]byte, error) {
	items := make([]any, 0, len(l))
	for _, d := range l {
		if d.IsPip() {
			items = append(items, map[string][]string{"pip": d.Pip})
		} else {
			items = append(items, d.Conda)
		}
	}
	return json.Marshal(items)
}

func (l *DependencyList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(DependencyList, 0, len(raw))
	pipSeen := false
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, Dependency{Conda: s})
			continue
		}
		var block struct {
			Pip []string `json:"pip"`
		}
		if err := json.Unmarshal(item, &block); err != nil {
			return fmt.Errorf("dependency must be a string or a pip block: %w", err)
		}
		if block.Pip == nil {
			return fmt.Errorf("dependency object must carry a pip list")
		}
		if pipSeen {
			return fmt.Errorf("at most one pip block is allowed in dependencies")
		}
		pipSeen = true
		out = append(out, Dependency{Pip: block.Pip})
	}
	*l = out
	return nil
}

func (l DependencyList) MarshalYAML() (any, error) {
	items := make([]any, 0, len(l))
	for _, d := range l {
		if d.IsPip() {
			items = append(items, map[string][]string{"pip": d.Pip})
		} else {
			items = append(items, d.Conda)
		}
	}
	return items, nil
}

func (l *DependencyList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("dependencies must be a list")
	}
	out := make(DependencyList, 0, len(value.Content))
	pipSeen := false
	for _, node := range value.Content {
		switch node.Kind {
		case yaml.ScalarNode:
			var s string
			if err := node.Decode(&s); err != nil {
				return err
			}
			out = append(out, Dependency{Conda: s})
		case yaml.MappingNode:
			var block struct {
				Pip []string `yaml:"pip"`
			}
			if err := node.Decode(&block); err != nil {
				return fmt.Errorf("dependency must be a string or a pip block: %w", err)
			}
			if block.Pip == nil {
				return fmt.Errorf("dependency object must carry a pip list")
			}
			if pipSeen {
				return fmt.Errorf("at most one pip block is allowed in dependencies")
			}
			pipSeen = true
			out = append(out, Dependency{Pip: block.Pip})
		default:
			return fmt.Errorf("dependency must be a string or a pip block")
		}
	}
	*l = out
	return nil
}

// CondaPackages returns the conda match-spec strings, in order.
func (l DependencyList) CondaPackages() []string {
	var out []string
	for _, d := range l {
		if !d.IsPip() {
			out = append(out, d.Conda)
		}
	}
	return out
}

// PipPackages returns the pip block's entries, or nil if no pip block
// is present.
func (l DependencyList) PipPackages() []string {
	for _, d := range l {
		if d.IsPip() {
			return d.Pip
		}
	}
	return nil
}

// CondaSpecification is the declarative environment request a user
// submits: a named set of channels, conda packages, and pip packages,
// plus optional variables and install prefix.
type CondaSpecification struct {
	Name         string            `json:"name" yaml:"name" validate:"required,specname"`
	Channels     []string          `json:"channels,omitempty" yaml:"channels,omitempty" validate:"dive,required"`
	Dependencies DependencyList    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Variables    map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	Prefix       string            `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// LockfileSpecification wraps an already-solved lockfile document; a
// build for one skips solving and installs the lockfile directly.
type LockfileSpecification struct {
	Name     string         `json:"name" yaml:"name" validate:"required,specname"`
	Lockfile map[string]any `json:"lockfile" yaml:"lockfile" validate:"required"`
}

// IsLockfileShaped reports whether raw parses as a lockfile-shaped
// specification (a name plus a lockfile document).
func IsLockfileShaped(raw map[string]any) bool {
	_, ok := raw["lockfile"]
	return ok
}

var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
