package specification

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// IsEnvironmentFile reports whether path points at a .yaml/.yml file
// whose contents parse and structurally validate as an environment
// specification.
func (p *Pipeline) IsEnvironmentFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var spec CondaSpecification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return false
	}
	return p.ValidateStructure(&spec) == nil
}

// Discover walks the given paths and returns each one pointing at a
// valid environment file; directories contribute their matching direct
// children (non-recursive).
func (p *Pipeline) Discover(paths []string) ([]string, error) {
	var environments []string
	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		if info.Mode().IsRegular() {
			if p.IsEnvironmentFile(abs) {
				environments = append(environments, abs)
			}
			continue
		}
		if info.IsDir() {
			entries, err := os.ReadDir(abs)
			if err != nil {
				return nil, err
			}
			for _, entry := range entries {
				child := filepath.Join(abs, entry.Name())
				if entry.Type().IsRegular() && p.IsEnvironmentFile(child) {
					environments = append(environments, child)
				}
			}
		}
	}
	return environments, nil
}
