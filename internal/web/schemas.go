package web

import (
	"embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"riskgate/internal/callctx"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaCache sync.Map

func loadSchema(name string) (*gojsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	schemaCache.Store(name, schema)
	return schema, nil
}

// validateBody checks body against the named schema. A non-nil error means
// the body is not JSON at all; schema violations come back as fields.
func validateBody(name string, body []byte) ([]callctx.FieldError, error) {
	schema, err := loadSchema(name)
	if err != nil {
		return nil, err
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	fields := make([]callctx.FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		fields = append(fields, callctx.FieldError{
			Field:   schemaField(re),
			Code:    re.Type(),
			Message: re.Description(),
		})
	}
	return fields, nil
}

// schemaField names the offending property. Required and unknown property
// errors are reported against the parent, so the property is taken from the
// error details.
func schemaField(re gojsonschema.ResultError) string {
	field := re.Field()
	prop, ok := re.Details()["property"].(string)
	if !ok || prop == "" {
		return field
	}
	if field == "(root)" || field == "" {
		return prop
	}
	return field + "." + prop
}
