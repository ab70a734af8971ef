package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// LoadCascadeFile reads, parses, and validates a cascade document.
func LoadCascadeFile(path string) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade file: %w", err)
	}

	cascade, err := LoadCascadeBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	cascade.BaseDir = filepath.Dir(path)
	return cascade, nil
}

// LoadCascadeBytes parses a YAML (or JSON) cascade document.
func LoadCascadeBytes(data []byte) (*Cascade, error) {
	rawMap, err := parseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cascade: %w", err)
	}
	return ParseCascade(rawMap)
}

// ParseCascade decodes an in-memory document map into a validated Cascade.
// Unknown keys are rejected.
func ParseCascade(raw map[string]any) (*Cascade, error) {
	expanded := expandEnvVars(raw)

	cascade := &Cascade{}
	if err := decodeStrict(expanded, cascade); err != nil {
		return nil, fmt.Errorf("failed to decode cascade: %w", err)
	}

	cascade.SetDefaults()
	if err := cascade.Validate(); err != nil {
		return nil, fmt.Errorf("cascade validation failed: %w", err)
	}

	return cascade, nil
}

// parseBytes parses raw bytes into a map. YAML first (it is a superset of
// JSON), JSON as fallback.
func parseBytes(data []byte) (map[string]any, error) {
	var result map[string]any

	if err := yaml.Unmarshal(data, &result); err == nil {
		return result, nil
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse as YAML or JSON: %w", err)
	}

	return result, nil
}

// decodeStrict decodes a map into a struct using mapstructure with yaml
// tags. ErrorUnused surfaces unknown document keys as config errors.
func decodeStrict(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// decodeLoose is decodeStrict without unknown-key rejection, for engine
// settings files that may carry extra sections.
func decodeLoose(input map[string]any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           output,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}

	return nil
}

// expandEnvVars recursively expands ${VAR} and $VAR patterns in a map.
func expandEnvVars(input map[string]any) map[string]any {
	result := make(map[string]any, len(input))
	for k, v := range input {
		result[k] = expandValue(v)
	}
	return result
}

func expandValue(v any) any {
	switch val := v.(type) {
	case string:
		return expandEnvString(val)
	case map[string]any:
		return expandEnvVars(val)
	case []any:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = expandValue(item)
		}
		return result
	default:
		return v
	}
}

// envVarPattern matches ${VAR}, ${VAR:-default}, and $VAR
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			inner := match[2 : len(match)-1]

			// ${VAR:-default}
			if idx := strings.Index(inner, ":-"); idx != -1 {
				varName := inner[:idx]
				defaultVal := inner[idx+2:]
				if val := os.Getenv(varName); val != "" {
					return val
				}
				return defaultVal
			}

			return os.Getenv(inner)
		}

		return os.Getenv(match[1:])
	})
}
