package synth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aristath/agentgraph/internal/config"
)

// fieldTypes is the order typeName tries schemas in.
var fieldTypes = []config.FieldType{
	config.FieldString,
	config.FieldBoolean,
	config.FieldNumber,
	config.FieldObject,
	config.FieldArray,
}

// fieldSchemas compiles one JSON Schema per declared field type on first use.
var fieldSchemas = sync.OnceValue(func() map[config.FieldType]*jsonschema.Schema {
	docs := map[config.FieldType]any{config.FieldAny: map[string]any{}}
	for _, ft := range fieldTypes {
		docs[ft] = map[string]any{"type": string(ft)}
	}

	c := jsonschema.NewCompiler()
	out := make(map[config.FieldType]*jsonschema.Schema, len(docs))
	for ft, doc := range docs {
		url := fmt.Sprintf("https://agentgraph.local/fields/%s.json", ft)
		if err := c.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("adding %s schema: %v", ft, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("compiling %s schema: %v", ft, err))
		}
		out[ft] = sch
	}
	return out
})

// jsonValue converts v to the plain JSON form the validator expects. Outputs
// from static config carry Go ints and typed maps; decoded ones do not.
func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(want config.FieldType, v any) bool {
	sch, ok := fieldSchemas()[want]
	if !ok {
		return false
	}
	jv, err := jsonValue(v)
	if err != nil {
		return false
	}
	return sch.Validate(jv) == nil
}

func typeName(v any) string {
	jv, err := jsonValue(v)
	if err != nil {
		return fmt.Sprintf("%T", v)
	}
	if jv == nil {
		return "null"
	}
	schemas := fieldSchemas()
	for _, ft := range fieldTypes {
		if schemas[ft].Validate(jv) == nil {
			return string(ft)
		}
	}
	return fmt.Sprintf("%T", v)
}
