package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"opsdesk/internal/domain"
)

// validatedTool checks arguments against the tool's declared parameter
// schema before the tool sees them. Rejections come back as VALIDATION
// results so the model can correct the call.
type validatedTool struct {
	domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps t with argument validation. Tools without a
// parameter schema are returned unchanged.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}
	url := t.Name() + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", t.Name(), err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %q schema: %w", t.Name(), err)
	}
	return &validatedTool{Tool: t, schema: schema}, nil
}

// Mutates keeps the wrapped tool's write classification visible to the gate.
func (v *validatedTool) Mutates() bool { return domain.IsMutating(v.Tool) }

func (v *validatedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var args any
	if err := json.Unmarshal(params, &args); err != nil {
		return ErrResult(domain.CategoryValidation, "invalid JSON arguments: %v", err), nil
	}
	if err := v.schema.Validate(args); err != nil {
		return ErrResult(domain.CategoryValidation, "arguments do not match the %s schema: %s", v.Name(), schemaMessage(err)), nil
	}
	return v.Tool.Execute(ctx, params)
}

// schemaMessage reduces a validation error to its leaf causes, one
// "location: reason" pair each.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var leaves []string
	stack := []*jsonschema.ValidationError{ve}
	for len(stack) > 0 {
		e := stack[0]
		stack = stack[1:]
		if len(e.Causes) > 0 {
			stack = append(append([]*jsonschema.ValidationError{}, e.Causes...), stack...)
			continue
		}
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		leaves = append(leaves, loc+": "+e.Message)
	}
	return joinComma(leaves)
}
