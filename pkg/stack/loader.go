package stack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a stack file.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted (YAML is a superset of JSON).
func Load(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stack file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading stack file: %s", path)
		}
		return nil, fmt.Errorf("failed to read stack file: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a stack file from raw bytes.
//
// Validation runs on the raw document so unknown fields are rejected.
func LoadFromBytes(data []byte, path string) (*Stack, error) {
	if len(data) == 0 {
		return nil, errors.New("stack file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var s Stack
	if err := json.Unmarshal(jsonData, &s); err != nil {
		return nil, fmt.Errorf("invalid stack file: %w", err)
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in stack file: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in stack file: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert stack file to JSON: %w", err)
	}
	return jsonData, nil
}
