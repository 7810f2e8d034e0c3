// Package validation checks job and step payloads against per-kind JSON
// schemas loaded from a directory of <kind>.v1.json files.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation can be used with errors.Is to detect validation failures (hard reject or soft flag).
var ErrValidation = errors.New("validation failed")

// ErrUnknownKind is returned for a kind without a schema file.
var ErrUnknownKind = errors.New("no schema for kind")

type Validator struct {
	inputSchemas  map[string]*jsonschema.Schema
	outputSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir and compiles
// input_schema and output_schema per kind. The kind is the file name without
// the .json and .v1 suffixes.
func NewValidator(schemaDir string) (*Validator, error) {
	entries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	inputSchemas := make(map[string]*jsonschema.Schema)
	outputSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		kind := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		kind = strings.TrimSuffix(kind, ".v1")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		var file struct {
			Properties struct {
				InputSchema  json.RawMessage `json:"input_schema"`
				OutputSchema json.RawMessage `json:"output_schema"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
		if len(file.Properties.InputSchema) == 0 || len(file.Properties.OutputSchema) == 0 {
			return nil, fmt.Errorf("%q: missing input_schema or output_schema", path)
		}
		wrapper := file.Properties
		inputID := "https://pointsmith.dev/schemas/" + kind + ".input"
		outputID := "https://pointsmith.dev/schemas/" + kind + ".output"
		inputSchemas[kind], err = jsonschema.CompileString(inputID, string(wrapper.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", kind, err)
		}
		outputSchemas[kind], err = jsonschema.CompileString(outputID, string(wrapper.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile output schema %q: %w", kind, err)
		}
	}

	return &Validator{
		inputSchemas:  inputSchemas,
		outputSchemas: outputSchemas,
	}, nil
}

// Kinds lists the kinds that have a schema, sorted.
func (v *Validator) Kinds() []string {
	kinds := make([]string, 0, len(v.inputSchemas))
	for k := range v.inputSchemas {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ValidateInput performs hard reject: returns an error if input does not match the kind's input_schema.
// An empty input is validated as an empty object.
func (v *Validator) ValidateInput(ctx context.Context, kind string, input json.RawMessage) error {
	return validate(v.inputSchemas, kind, input)
}

// ValidateOutput performs soft flag: returns an error if output does not match the kind's output_schema.
// Callers log the mismatch rather than failing the work.
func (v *Validator) ValidateOutput(ctx context.Context, kind string, output json.RawMessage) error {
	return validate(v.outputSchemas, kind, output)
}

func validate(schemas map[string]*jsonschema.Schema, kind string, raw json.RawMessage) error {
	schema, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
