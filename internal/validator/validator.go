// Package validator provides JSON schema validation for workflow graphs and
// run requests.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates workflow graphs and run requests against embedded
// schemas.
type Validator struct {
	graphSchema   *jsonschema.Schema
	requestSchema *jsonschema.Schema
}

// ValidationError represents a single schema violation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a validator with the embedded schemas compiled.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	if err := compiler.AddResource("run_request.json", strings.NewReader(runRequestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add run request schema: %w", err)
	}

	graphSchema, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}
	requestSchema, err := compiler.Compile("run_request.json")
	if err != nil {
		return nil, fmt.Errorf("compile run request schema: %w", err)
	}

	return &Validator{
		graphSchema:   graphSchema,
		requestSchema: requestSchema,
	}, nil
}

// ValidateGraph validates a decoded workflow graph document.
func (v *Validator) ValidateGraph(graph map[string]interface{}) *ValidationResult {
	return v.validate(v.graphSchema, graph)
}

// ValidateRunRequest validates a decoded run request document.
func (v *Validator) ValidateRunRequest(req map[string]interface{}) *ValidationResult {
	return v.validate(v.requestSchema, req)
}

// ValidateGraphJSON validates a JSON-encoded workflow graph.
func (v *Validator) ValidateGraphJSON(data []byte) *ValidationResult {
	var graph map[string]interface{}
	if err := json.Unmarshal(data, &graph); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateGraph(graph)
}

// ValidateRunRequestJSON validates a JSON-encoded run request.
func (v *Validator) ValidateRunRequestJSON(data []byte) *ValidationResult {
	var req map[string]interface{}
	if err := json.Unmarshal(data, &req); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateRunRequest(req)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schemas

const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "graph.json",
  "title": "Workflow Graph",
  "description": "A typed node graph with handle-addressed connections",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": {
      "type": "string",
      "description": "Graph identifier"
    },
    "name": {
      "type": "string",
      "description": "Human-readable graph name"
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
            "description": "Node identifier, unique within the graph"
          },
          "type": {
            "type": "string",
            "minLength": 1,
            "description": "Registered handler type"
          },
          "parameters": {
            "type": "object",
            "description": "Handler parameters"
          },
          "disabled": {
            "type": "boolean",
            "description": "Disabled nodes are bridged out of the graph"
          },
          "credential": {
            "type": "string",
            "description": "Credential reference passed to the handler"
          },
          "settings": {
            "type": "object",
            "properties": {
              "continue_on_fail": {"type": "boolean"},
              "retry_on_fail": {"type": "boolean"},
              "max_retries": {
                "type": "integer",
                "minimum": 0,
                "maximum": 10
              },
              "retry_delay_ms": {
                "type": "integer",
                "minimum": 0
              },
              "timeout_ms": {
                "type": "integer",
                "minimum": 0
              },
              "always_output_data": {"type": "boolean"}
            }
          }
        }
      },
      "description": "Nodes in the workflow"
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source_node", "target_node"],
        "properties": {
          "source_node": {
            "type": "string",
            "description": "Source node ID"
          },
          "source_output": {
            "type": "string",
            "description": "Source output handle (default: main)"
          },
          "target_node": {
            "type": "string",
            "description": "Target node ID"
          },
          "target_input": {
            "type": "string",
            "description": "Target input handle (default: main)"
          }
        }
      },
      "description": "Directed data-flow connections"
    }
  }
}`

const runRequestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "run_request.json",
  "title": "Run Request",
  "description": "Request to start a workflow run",
  "type": "object",
  "required": ["graph", "trigger_node"],
  "properties": {
    "name": {
      "type": "string",
      "description": "Run name for display"
    },
    "graph": {
      "$ref": "graph.json",
      "description": "Frozen graph snapshot to execute"
    },
    "trigger_node": {
      "type": "string",
      "minLength": 1,
      "description": "Node the run starts from"
    },
    "trigger_payload": {
      "type": "array",
      "items": {"type": "object"},
      "description": "Items delivered to the trigger node's main input"
    },
    "auto_start": {
      "type": "boolean",
      "description": "Start executing immediately (default true)"
    }
  }
}`
