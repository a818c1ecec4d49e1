package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrDefinitionNotFound is returned when a workflow id is not registered
var ErrDefinitionNotFound = errors.New("workflow definition not found")

// LoadDefinitionFromFile loads a workflow definition from a YAML or JSON file.
// Environment references such as ${SLACK_WEBHOOK_URL} are expanded first.
func LoadDefinitionFromFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	def, err := ParseDefinition(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return def, nil
}

// ParseDefinition decodes and validates a definition. ext selects the format
// (".json" for JSON, anything else is read as YAML).
func ParseDefinition(data []byte, ext string) (*Definition, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var def Definition
	switch strings.ToLower(ext) {
	case ".json":
		if err := json.Unmarshal(expanded, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(expanded, &def); err != nil {
			return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
		}
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow definition: %w", err)
	}
	return &def, nil
}

// LoadDefinitions loads all workflow definitions from a directory. Files
// that fail to load are logged and skipped.
func LoadDefinitions(dir string) ([]*Definition, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflows directory: %w", err)
	}

	var defs []*Definition
	for _, file := range files {
		if file.IsDir() || !isDefinitionFile(file.Name()) {
			continue
		}

		path := filepath.Join(dir, file.Name())
		def, err := LoadDefinitionFromFile(path)
		if err != nil {
			log.Printf("[Workflow] Warning: failed to load %s: %v", file.Name(), err)
			continue
		}

		defs = append(defs, def)
		log.Printf("[Workflow] Loaded workflow: %s (%s)", def.Name, def.ID)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
