package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a flow file (JSON or YAML by extension), normalizes it, and
// applies delivery-gate retargeting. Validation failures are returned as a
// joined error; callers needing the individual field errors should use
// Decode + Validate directly.
func Load(path string) (*Flow, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(b, strings.ToLower(filepath.Ext(path)))
	if err != nil {
		return nil, err
	}
	Normalize(f)
	if errs := Validate(f); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, fmt.Errorf("invalid flow %s: %s", path, strings.Join(msgs, "; "))
	}
	RetargetCompletionGates(f)
	return f, nil
}

// Decode parses flow bytes. JSON preserves unknown top-level fields; YAML is
// converted through JSON so the same preservation rules apply.
func Decode(b []byte, ext string) (*Flow, error) {
	switch ext {
	case ".json", "json", "":
		var f Flow
		if err := json.Unmarshal(b, &f); err != nil {
			return nil, err
		}
		return &f, nil
	default:
		var doc map[string]any
		dec := yaml.NewDecoder(bytes.NewReader(b))
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		jb, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		var f Flow
		if err := json.Unmarshal(jb, &f); err != nil {
			return nil, err
		}
		return &f, nil
	}
}
