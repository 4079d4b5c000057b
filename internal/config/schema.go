package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaCompiled *schemavalidator.Schema
	schemaErr      error
)

func buildSchema() {
	r := &jsonschema.Reflector{
		FieldNameTag: "yaml",
	}
	schema := r.Reflect(&Config{})
	schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	if schemaErr != nil {
		return
	}
	schemaCompiled, schemaErr = schemavalidator.CompileString("turnstile-config.json", string(schemaJSON))
}

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(buildSchema)
	return schemaJSON, schemaErr
}

// ValidateRaw checks a raw config map against the generated schema. It
// catches unknown keys and type mismatches before decoding.
func ValidateRaw(raw map[string]any) error {
	schemaOnce.Do(buildSchema)
	if schemaErr != nil {
		return fmt.Errorf("config schema: %w", schemaErr)
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schemaCompiled.Validate(doc)
}
