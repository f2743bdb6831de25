package procflow

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/petrijr/procflow/pkg/api"
)

// LoadDefinitionFile reads one YAML or JSON process definition.
func LoadDefinitionFile(path string) (ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ProcessDefinition{}, err
	}
	def, err := api.LoadDefinitionYAML(data)
	if err != nil {
		return ProcessDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitionsDir reads every *.yaml, *.yml and *.json file in dir
// (not recursive), sorted by file name.
func LoadDefinitionsDir(dir string) ([]ProcessDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	defs := make([]ProcessDefinition, 0, len(names))
	for _, name := range names {
		def, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDefinitionsDir loads dir and registers every definition with
// eng. It stops at the first invalid definition.
func RegisterDefinitionsDir(eng Engine, dir string) ([]ProcessDefinition, error) {
	defs, err := LoadDefinitionsDir(dir)
	if err != nil {
		return nil, err
	}
	for _, def := range defs {
		if err := eng.RegisterDefinition(def); err != nil {
			return nil, fmt.Errorf("register %s v%d: %w", def.ID, def.Version, err)
		}
	}
	return defs, nil
}
