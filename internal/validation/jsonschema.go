package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/steprun/pkg/schema"
)

// SchemaChecker validates json field values against JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type SchemaChecker struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaChecker creates a SchemaChecker with an empty compile cache.
func NewSchemaChecker() *SchemaChecker {
	return &SchemaChecker{cache: make(map[string]*jsonschema.Schema)}
}

// Check validates value against the schema given as raw bytes. An empty
// schema accepts everything.
func (c *SchemaChecker) Check(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := c.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaMismatch, "invalid field schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaMismatch, "failed to serialize value").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toStepError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (c *SchemaChecker) getOrCompile(rawSchema []byte) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	c.mu.RLock()
	if cached, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("steprun://field-schema/%d", len(c.cache))
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	c.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStepError flattens a jsonschema.ValidationError into one SCHEMA_MISMATCH error.
func toStepError(err error) *schema.StepError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeSchemaMismatch, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeSchemaMismatch, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("%s (and %d more)", violations[0], len(violations)-1)
	}
	return schema.NewError(schema.ErrCodeSchemaMismatch, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
