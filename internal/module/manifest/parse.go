package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Manifest file names, in lookup order.
const (
	FileName     = "module.json"
	YAMLFileName = "module.yaml"
)

// Find returns the manifest path inside dir.
func Find(dir string) (string, error) {
	for _, name := range []string{FileName, YAMLFileName} {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat manifest: %w", err)
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// Exists reports whether dir contains a manifest file.
func Exists(dir string) bool {
	_, err := Find(dir)
	return err == nil
}

// ReadDir finds and reads the manifest of a module directory.
// I/O failures are returned as-is; decode failures wrap ErrMalformedManifest.
func ReadDir(dir string) (*Manifest, error) {
	p, err := Find(dir)
	if err != nil {
		return nil, err
	}
	return ReadFile(p)
}

// ReadFile reads a manifest file, choosing the decoder by extension.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m *Manifest
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		m, err = ParseYAML(data)
	default:
		m, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return m, nil
}

// Parse decodes a JSON manifest.
func Parse(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformedManifest)
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%w: top level must be an object", ErrMalformedManifest)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	m.raw = append([]byte(nil), data...)
	return &m, nil
}

// ParseYAML decodes a YAML manifest by converting it to JSON first.
func ParseYAML(data []byte) (*Manifest, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	doc, err := normalizeYAML(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	return Parse(jsonData)
}

// normalizeYAML converts YAML-decoded values to JSON-compatible types.
func normalizeYAML(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			m[k] = n
		}
		return m, nil
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			key, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			m[key] = n
		}
		return m, nil
	case []interface{}:
		a := make([]interface{}, len(val))
		for i, item := range val {
			n, err := normalizeYAML(item)
			if err != nil {
				return nil, err
			}
			a[i] = n
		}
		return a, nil
	default:
		return val, nil
	}
}
