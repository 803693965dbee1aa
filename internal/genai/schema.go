package genai

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionSchema is the structural contract for extraction responses.
const extractionSchema = `{
	"type": "object",
	"properties": {
		"vocabulary": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"word": {"type": "string"},
					"definition": {"type": "string"},
					"context": {"type": "string"}
				},
				"required": ["word"]
			}
		},
		"spelling": {
			"type": "array",
			"items": {"type": "string"}
		},
		"processed_image": {"type": "string"}
	}
}`

// generationSchema is the structural contract for generation responses.
const generationSchema = `{
	"type": "object",
	"properties": {
		"questions": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"question": {"type": "string"},
					"type": {"type": "string"},
					"answer": {"type": "string"},
					"options": {
						"type": "array",
						"items": {"type": "string"}
					},
					"order": {"type": "integer"}
				},
				"required": ["question", "answer"]
			}
		}
	},
	"required": ["questions"]
}`

var (
	schemaOnce       sync.Once
	extractionCheck  *jsonschema.Schema
	generationCheck  *jsonschema.Schema
	schemaCompileErr error
)

func compileSchemas() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", strings.NewReader(extractionSchema)); err != nil {
		schemaCompileErr = fmt.Errorf("failed to load extraction schema: %w", err)
		return
	}
	if err := compiler.AddResource("generation.json", strings.NewReader(generationSchema)); err != nil {
		schemaCompileErr = fmt.Errorf("failed to load generation schema: %w", err)
		return
	}
	var err error
	if extractionCheck, err = compiler.Compile("extraction.json"); err != nil {
		schemaCompileErr = fmt.Errorf("failed to compile extraction schema: %w", err)
		return
	}
	if generationCheck, err = compiler.Compile("generation.json"); err != nil {
		schemaCompileErr = fmt.Errorf("failed to compile generation schema: %w", err)
	}
}

// validateAgainst checks parsed JSON against one of the compiled schemas.
func validateAgainst(schema string, parsed json.RawMessage) error {
	schemaOnce.Do(compileSchemas)
	if schemaCompileErr != nil {
		return schemaCompileErr
	}

	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode model JSON for validation: %w", err)
	}

	check := extractionCheck
	if schema == generationSchema {
		check = generationCheck
	}
	if err := check.Validate(doc); err != nil {
		return fmt.Errorf("model output does not match schema: %w", err)
	}
	return nil
}
