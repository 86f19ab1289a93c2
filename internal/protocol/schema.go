package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://worldsync.ai/schemas/"

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

func loadSchemas() {
	schemas = make(map[string]*jsonschema.Schema)
	c := jsonschema.NewCompiler()
	names := map[string]string{
		TypeHello:  "hello.schema.json",
		TypeUpdate: "update.schema.json",
	}
	for _, file := range names {
		b, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			schemaErr = err
			return
		}
		if err := c.AddResource(schemaBaseURL+file, bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("schema %s: %w", file, err)
			return
		}
	}
	for typ, file := range names {
		s, err := c.Compile(schemaBaseURL + file)
		if err != nil {
			schemaErr = fmt.Errorf("compile %s: %w", file, err)
			return
		}
		schemas[typ] = s
	}
}

// Validate checks raw against the embedded schema for msgType. Message types
// without a schema always pass.
func Validate(msgType string, raw []byte) error {
	schemaOnce.Do(loadSchemas)
	if schemaErr != nil {
		return schemaErr
	}
	s, ok := schemas[msgType]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}

// ValidateUpdate checks an UPDATE frame before it reaches an applier.
func ValidateUpdate(raw []byte) error { return Validate(TypeUpdate, raw) }
