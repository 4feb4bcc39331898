package worker

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CompileSchema compiles an in-memory JSON schema document for one phase
// (plan/implement/review), grounded on the teacher's tool_registry.go
// compileSchema helper (AddResource + Compile against an in-memory URL).
func CompileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://runr/%s.json", name)
	if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}
