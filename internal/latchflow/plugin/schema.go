package plugin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateConfig checks a definition config against the capability's
// declared schema. A capability without a schema accepts any JSON document.
// Violations come back as VALIDATION errors so callers can map them to 400s.
func ValidateConfig(c Capability, config json.RawMessage) error {
	if strings.TrimSpace(c.ConfigSchema) == "" {
		return nil
	}
	schema, err := jsonschema.CompileString(c.Key+".schema.json", c.ConfigSchema)
	if err != nil {
		return fmt.Errorf("plugin: compile config schema for %s: %w", c.Key, err)
	}

	var doc any
	if len(config) == 0 {
		doc = map[string]any{}
	} else if err := json.Unmarshal(config, &doc); err != nil {
		return &Error{
			Kind:    KindValidation,
			Code:    CodeInvalidConfig,
			Message: "config is not valid JSON",
		}
	}
	if err := schema.Validate(doc); err != nil {
		return &Error{
			Kind:    KindValidation,
			Code:    CodeInvalidConfig,
			Message: err.Error(),
		}
	}
	return nil
}
