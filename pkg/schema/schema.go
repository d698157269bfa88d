// Package schema validates commitment criteria against the JSON Schema of
// their verification type.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kpjmd/Kinetix/pkg/contracts"
)

//go:embed criteria/*.schema.json
var criteriaFS embed.FS

const baseURL = "https://kinetix.schemas.local/criteria/"

// Registry holds one compiled schema per verification type.
type Registry struct {
	schemas map[contracts.VerificationType]*jsonschema.Schema
	raw     map[contracts.VerificationType]json.RawMessage
}

// NewRegistry compiles the embedded criteria schemas.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		schemas: make(map[contracts.VerificationType]*jsonschema.Schema),
		raw:     make(map[contracts.VerificationType]json.RawMessage),
	}
	for _, vt := range contracts.VerificationTypes {
		name := string(vt) + ".schema.json"
		data, err := criteriaFS.ReadFile("criteria/" + name)
		if err != nil {
			return nil, fmt.Errorf("criteria schema %s missing: %w", vt, err)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		c.AssertFormat = true
		url := baseURL + name
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("criteria schema %s load failed: %w", vt, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("criteria schema %s compile failed: %w", vt, err)
		}
		r.schemas[vt] = compiled
		r.raw[vt] = json.RawMessage(data)
	}
	return r, nil
}

// Validate checks raw criteria JSON for vt.
func (r *Registry) Validate(vt contracts.VerificationType, raw json.RawMessage) error {
	s, ok := r.schemas[vt]
	if !ok {
		return fmt.Errorf("unknown verification type %q", vt)
	}
	if len(raw) == 0 {
		return fmt.Errorf("criteria are required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("criteria are not valid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("criteria do not match %s schema: %w", vt, err)
	}
	return nil
}

// Schemas returns the raw schema documents keyed by verification type, for
// publication in the service manifest.
func (r *Registry) Schemas() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.raw))
	for vt, raw := range r.raw {
		out[string(vt)] = raw
	}
	return out
}

// Types returns the verification types with a compiled schema, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.schemas))
	for vt := range r.schemas {
		out = append(out, string(vt))
	}
	sort.Strings(out)
	return out
}
