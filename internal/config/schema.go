package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/options.json
var optionsSchema []byte

const optionsSchemaURL = "happypack-options.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(optionsSchema))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse options schema: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(optionsSchemaURL, doc); err != nil {
			compileErr = fmt.Errorf("failed to add options schema: %w", err)
			return
		}

		compiledSchema, compileErr = c.Compile(optionsSchemaURL)
	})

	return compiledSchema, compileErr
}

// normalizeJSON converts decoded config values into the shape the schema
// validator expects (json.Number for numbers, []any and map[string]any)
func normalizeJSON(raw map[string]any) (any, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("options are not serializable: %w", err)
	}

	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

func validateSchema(id string, instance any) error {
	sch, err := schema()
	if err != nil {
		return err
	}

	err = sch.Validate(instance)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Error{ID: id, Constraint: err.Error()}
	}

	leaf := firstLeaf(verr)
	printer := message.NewPrinter(language.English)

	return &Error{
		ID:         id,
		Key:        keyFor(leaf, instance),
		Constraint: leaf.ErrorKind.LocalizedString(printer),
	}
}

func firstLeaf(e *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(e.Causes) > 0 {
		e = e.Causes[0]
	}

	return e
}

// keyFor names the offending option. Errors about required and unknown
// properties are reported on the parent object, so the child key is
// recovered from the instance itself.
func keyFor(leaf *jsonschema.ValidationError, instance any) string {
	loc := append([]string(nil), leaf.InstanceLocation...)

	kw := leaf.ErrorKind.KeywordPath()
	last := ""
	if len(kw) > 0 {
		last = kw[len(kw)-1]
	}

	obj, _ := lookup(instance, loc).(map[string]any)

	switch last {
	case "required":
		required := []string{"loaders"}
		if len(loc) > 0 {
			required = []string{"path"}
		}

		for _, k := range required {
			if _, ok := obj[k]; !ok {
				loc = append(loc, k)
				break
			}
		}
	case "additionalProperties":
		allowed := rootKeys
		if len(loc) > 0 {
			allowed = loaderKeys
		}

		if extra := unknownKeys(obj, allowed); len(extra) > 0 {
			loc = append(loc, extra[0])
		}
	}

	return strings.Join(loc, ".")
}

var (
	rootKeys = map[string]bool{
		"id": true, "temp_dir": true, "threads": true, "cache": true,
		"cache_context": true, "cache_path": true, "install_exit_handler": true,
		"worker_timeout": true, "loaders": true,
	}
	loaderKeys = map[string]bool{"path": true, "args": true, "options": true}
)

func unknownKeys(obj map[string]any, allowed map[string]bool) []string {
	var extra []string
	for k := range obj {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}

	sort.Strings(extra)
	return extra
}

func lookup(v any, loc []string) any {
	for _, part := range loc {
		switch t := v.(type) {
		case map[string]any:
			v = t[part]
		case []any:
			var i int
			if _, err := fmt.Sscanf(part, "%d", &i); err != nil || i < 0 || i >= len(t) {
				return nil
			}
			v = t[i]
		default:
			return nil
		}
	}

	return v
}
