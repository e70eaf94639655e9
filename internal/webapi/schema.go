package webapi

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// TaskSchemaValidator validates a task's free-form Config.Task payload
// against a per-task-type JSON Schema, so a malformed fuzzer config is
// rejected at submission time (INVALID_REQUEST) instead of surfacing as a
// setting_up failure once a node has already been claimed.
type TaskSchemaValidator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewTaskSchemaValidator creates an empty validator; schemas are
// registered per task type via Register.
func NewTaskSchemaValidator() *TaskSchemaValidator {
	return &TaskSchemaValidator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and stores the schema for a task type (e.g.
// "libfuzzer", "afl", "generic_generator"). Uses
// jsonschema.UnmarshalJSON for correct number handling, matching the
// teacher's structured-output validator.
func (v *TaskSchemaValidator) Register(taskType string, schemaJSON json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", taskType, err)
	}
	c := jsonschema.NewCompiler()
	resource := taskType + ".json"
	if err := c.AddResource(resource, doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", taskType, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", taskType, err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[taskType] = schema
	return nil
}

// Validate checks taskPayload against the registered schema for taskType.
// An unregistered task type passes through unchecked: schema registration
// is opt-in per task type, not a closed allowlist.
func (v *TaskSchemaValidator) Validate(taskType string, taskPayload map[string]any) error {
	v.mu.RLock()
	schema, ok := v.schemas[taskType]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	return schema.Validate(taskPayload)
}
