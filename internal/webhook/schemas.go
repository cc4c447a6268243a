package webhook

import (
	"fmt"
	"strings"

	"syncbridge/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const notificationArraySchema = `{
  "type": "object",
  "required": ["value"],
  "properties": {
    "value": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "subscriptionId": {"type": "string"},
          "clientState": {"type": ["string", "null"]},
          "resource": {"type": "string"},
          "changeType": {"type": "string"},
          "lifecycleEvent": {"type": "string"},
          "resourceData": {
            "type": "object",
            "properties": {"id": {"type": "string"}}
          }
        }
      }
    }
  }
}`

const premiumSchema = `{
  "$defs": {
    "context": {
      "type": "object",
      "properties": {
        "MessageName": {"type": "string"},
        "PrimaryEntityName": {"type": "string"},
        "PrimaryEntityId": {"type": "string"}
      }
    }
  },
  "type": "object",
  "anyOf": [
    {
      "required": ["value"],
      "properties": {"value": {"type": "array", "items": {"$ref": "#/$defs/context"}}}
    },
    {"required": ["MessageName"], "$ref": "#/$defs/context"}
  ]
}`

var schemaSources = map[models.Source]string{
	models.SourceBC:      notificationArraySchema,
	models.SourcePlanner: notificationArraySchema,
	models.SourcePremium: premiumSchema,
}

func compileSchemas() (map[models.Source]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	out := make(map[models.Source]*jsonschema.Schema, len(schemaSources))
	for source, src := range schemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", source, err)
		}
		url := "https://syncbridge.local/schemas/" + string(source) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", source, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", source, err)
		}
		out[source] = sch
	}
	return out, nil
}
