package codec

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ibs-source/telemetry-relay/internal/message"
)

//go:embed telemetry.schema.json
var telemetrySchema string

type schemaValidator struct {
	schema *gojsonschema.Schema
}

func newSchemaValidator() (*schemaValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(telemetrySchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile telemetry schema: %w", err)
	}
	return &schemaValidator{schema: s}, nil
}

// validate reports the first schema violation as a MalformedPayloadError on payload.<field>
func (v *schemaValidator) validate(payload map[string]any) error {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return message.Malformed("payload", "schema validation failed: %v", err)
	}
	if result.Valid() {
		return nil
	}

	re := result.Errors()[0]
	field := re.Field()
	if field == "" || field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY {
		field = "payload"
	} else {
		field = "payload." + strings.TrimPrefix(field, gojsonschema.STRING_ROOT_SCHEMA_PROPERTY+".")
	}
	return message.Malformed(field, "%s", re.Description())
}
