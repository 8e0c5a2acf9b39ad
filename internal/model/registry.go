package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Entry describes one registered message model.
type Entry struct {
	Name   string
	Type   reflect.Type
	Schema json.RawMessage // canonical schema JSON

	validator *jsonschema.Schema
}

// Registry maps schema digests to message models. It is the routing table's
// type layer: inbound payloads are validated and decoded through it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a model and returns its schema digest. Registering the same
// type again is a no-op; two distinct types can only collide if their
// schemas are byte-identical, in which case the first registration wins.
func (r *Registry) Register(v any) (string, error) {
	digest, err := Digest(v)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	_, exists := r.entries[digest]
	r.mu.RUnlock()
	if exists {
		return digest, nil
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	canonical, err := CanonicalSchema(v)
	if err != nil {
		return "", err
	}
	validator, err := compileSchema(t.Name(), canonical)
	if err != nil {
		return "", fmt.Errorf("compile schema for %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[digest]; !exists {
		r.entries[digest] = &Entry{
			Name:      t.Name(),
			Type:      t,
			Schema:    canonical,
			validator: validator,
		}
	}
	return digest, nil
}

// Lookup returns the entry for a schema digest.
func (r *Registry) Lookup(digest string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[digest]
	return e, ok
}

// Digests returns all registered schema digests.
func (r *Registry) Digests() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for d := range r.entries {
		out = append(out, d)
	}
	return out
}

// Validate checks a raw JSON payload against the schema registered for the
// digest. Unknown digests and schema violations are both errors.
func (r *Registry) Validate(digest string, payload []byte) error {
	e, ok := r.Lookup(digest)
	if !ok {
		return fmt.Errorf("no model registered for digest %s", digest)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := e.validator.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match %s schema: %w", e.Name, err)
	}
	return nil
}

// Decode validates a payload and unmarshals it into a new instance of the
// registered model, returned as a pointer.
func (r *Registry) Decode(digest string, payload []byte) (any, error) {
	if err := r.Validate(digest, payload); err != nil {
		return nil, err
	}
	e, _ := r.Lookup(digest)
	out := reflect.New(e.Type).Interface()
	if err := json.Unmarshal(payload, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Name, err)
	}
	return out, nil
}

func compileSchema(name string, canonical []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(canonical)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
