package mcp

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// ReflectInputSchema derives a tool input schema from the argument struct A. Field names
// follow the json tags, and jsonschema tags add descriptions and constraints.
// Properties not declared on A are rejected.
func ReflectInputSchema[A any]() (json.RawMessage, error) {
	// The reflector only expands structs, and fails on anything else.
	t := reflect.TypeFor[A]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input schema for %s must describe an object", reflect.TypeFor[A]())
	}

	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.ReflectFromType(t)
	if s == nil || s.Type != "object" {
		return nil, fmt.Errorf("input schema for %s must describe an object", t)
	}
	// Validation runs without fetching meta-schemas.
	s.Version = ""
	s.ID = ""

	bs, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input schema: %w", err)
	}
	return bs, nil
}

// MustReflectInputSchema is like ReflectInputSchema but panics on error. It is meant for
// package level tool descriptors.
func MustReflectInputSchema[A any]() json.RawMessage {
	s, err := ReflectInputSchema[A]()
	if err != nil {
		panic(err)
	}
	return s
}
