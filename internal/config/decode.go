package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode strictly decodes a config file. YAML files (.yaml/.yml) are turned
// into JSON first so both formats share one decoder that rejects unknown keys.
func Decode(path string, data []byte) (*Config, error) {
	name := filepath.Base(path)
	if isYAML(path) {
		j, err := yamlConfigToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		data = j
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return &cfg, nil
	case err == nil:
		return nil, fmt.Errorf("decode %s: trailing data after config object", name)
	default:
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlConfigToJSON(data []byte) ([]byte, error) {
	var root any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if root == nil {
		return []byte("{}"), nil
	}
	v, err := jsonCompatible("", root)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// jsonCompatible rewrites YAML mappings into string-keyed maps. Config keys are
// always names, so a non-string key is reported with its dotted path.
func jsonCompatible(path string, in any) (any, error) {
	join := func(k string) string {
		if path == "" {
			return k
		}
		return path + "." + k
	}
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			nv, err := jsonCompatible(join(k), v)
			if err != nil {
				return nil, err
			}
			x[k] = nv
		}
		return x, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("%s: key %v must be a string", join(fmt.Sprint(k)), k)
			}
			nv, err := jsonCompatible(join(ks), v)
			if err != nil {
				return nil, err
			}
			m[ks] = nv
		}
		return m, nil
	case []any:
		for i, v := range x {
			nv, err := jsonCompatible(fmt.Sprintf("%s[%d]", path, i), v)
			if err != nil {
				return nil, err
			}
			x[i] = nv
		}
		return x, nil
	default:
		return in, nil
	}
}
