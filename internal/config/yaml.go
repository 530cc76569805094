package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// normalize decodes a JSON or YAML document into a generic tree, expands ${NAME}
// references in string values and re-encodes it as JSON, so both formats go through
// the same strict decoder.
func normalize(path string, data []byte) ([]byte, error) {
	var v any
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("yaml unmarshal: %w", err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		// reject trailing tokens (e.g. concatenated JSON)
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			if err == nil {
				return nil, errors.New("invalid config: trailing data")
			}
			return nil, err
		}
	}
	j, err := json.Marshal(expand(v))
	if err != nil {
		return nil, fmt.Errorf("config re-encode: %w", err)
	}
	return j, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expand rewrites map keys to strings and replaces ${NAME} in string values with the
// environment value. A bare $NAME is left alone so secrets containing '$' survive.
func expand(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = expand(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = expand(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = expand(x[i])
		}
		return x
	case string:
		return envRef.ReplaceAllStringFunc(x, func(m string) string {
			return os.Getenv(envRef.FindStringSubmatch(m)[1])
		})
	default:
		return in
	}
}
