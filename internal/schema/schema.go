// Package schema validates task params against per-kind JSON Schemas loaded
// from a directory of <kind>.schema.json files. Kinds without a schema pass
// validation; the registry is opt-in per kind.
package schema

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaSuffix = ".schema.json"

// Registry holds the compiled per-kind schemas.
type Registry struct {
	schemas map[string]*jsonschema.Schema
}

// ValidationError reports params that failed their kind's schema.
type ValidationError struct {
	Kind    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("params for kind %q failed validation: %s", e.Kind, e.Message)
}

// Load compiles every <kind>.schema.json under dir. A missing or empty dir
// yields an empty registry. A file that fails to compile is an error: better
// to refuse startup than to silently accept invalid params.
func Load(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	if dir == "" {
		return reg, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, schemaSuffix) {
			continue
		}
		kind := strings.TrimSuffix(name, schemaSuffix)
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		compiled, err := compile(name, string(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		reg.schemas[kind] = compiled
		logger.Debug("loaded params schema", "kind", kind, "file", name)
	}
	return reg, nil
}

func compile(name, raw string) (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(name)
}

// Validate checks params against the kind's schema. Kinds without a schema
// always pass.
func (r *Registry) Validate(kind, params string) error {
	compiled, ok := r.schemas[kind]
	if !ok {
		return nil
	}
	if strings.TrimSpace(params) == "" {
		params = "{}"
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(params))
	if err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := compiled.Validate(parsed); err != nil {
		return &ValidationError{Kind: kind, Message: err.Error()}
	}
	return nil
}

// Kinds lists the kinds with a registered schema, sorted.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.schemas))
	for kind := range r.schemas {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
