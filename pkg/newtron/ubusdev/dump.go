// dump.go collates a raw dump_info/dump_stats reply against a class's
// declared schema using gojq, one query per schema field
// (spec.md §4.7, §6.1).
package ubusdev

import (
	"fmt"

	"github.com/itchyny/gojq"
)

// compiledField holds a Schema field's compiled gojq query. collate compiles
// the schema on every call; nothing is cached across dumps.
type compiledField struct {
	name string
	code *gojq.Code
}

// compileSchema parses every field's query (defaulting to ".<name>" when
// unset) into a *gojq.Code ready for Run.
func compileSchema(schema *Schema) ([]compiledField, error) {
	if schema == nil {
		return nil, nil
	}
	out := make([]compiledField, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		q := f.Query
		if q == "" {
			q = "." + f.Name
		}
		query, err := gojq.Parse(q)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q query %q: %v", ErrConfigError, f.Name, q, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q query %q: %v", ErrConfigError, f.Name, q, err)
		}
		out = append(out, compiledField{name: f.Name, code: code})
	}
	return out, nil
}

// collate projects reply through schema's field queries into an output
// Blob. A field whose query matches nothing is simply absent from the
// result rather than an error — handler replies may legitimately omit
// optional fields.
func collate(schema *Schema, reply Blob) (Blob, error) {
	fields, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}
	input := map[string]interface{}(reply)
	out := make(Blob, len(fields))
	for _, f := range fields {
		iter := f.code.Run(input)
		v, ok := iter.Next()
		if !ok {
			continue
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("%w: field %q: %v", ErrConfigError, f.name, err)
		}
		if v == nil {
			continue // gojq yields null for a missing key
		}
		out[f.name] = v
	}
	return out, nil
}
