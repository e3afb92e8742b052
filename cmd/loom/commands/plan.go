package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/executors"
)

// knownKinds lists the step kinds the CLI can execute.
func knownKinds() []string {
	return []string{executors.KindExec, executors.KindNoop}
}

// loadPlanFile reads a plan from a JSON or YAML file.
func loadPlanFile(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse plan file %s: %w", path, err)
		}
	}

	plan, err := engine.DecodePlan(data)
	if err != nil {
		return nil, fmt.Errorf("parse plan file %s: %w", path, err)
	}
	return plan, nil
}

// yamlToJSON converts a YAML document to JSON so plans share one
// decode path.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML rewrites map[interface{}]interface{} keys to strings
// so the document survives a JSON round trip.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
