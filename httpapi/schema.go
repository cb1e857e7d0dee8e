package httpapi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skillgraph/rolepipe/api"
)

// Request bodies are validated against embedded JSON Schemas before they
// reach the service, so schema violations come back as structured
// VALIDATION_ERROR envelopes instead of Go decoding errors.

//go:embed schemas/push_request.json
var pushSchemaJSON []byte

//go:embed schemas/push_batch_request.json
var batchSchemaJSON []byte

// Schema $ids double as compiler resource URLs so the batch schema can
// reference role and options definitions from the push schema.
const (
	pushSchemaURL  = "https://skillgraph.io/schemas/rolepipe/push_request.json"
	batchSchemaURL = "https://skillgraph.io/schemas/rolepipe/push_batch_request.json"
)

// maxRequestBody caps request reads. Inline job descriptions are text;
// anything past a few hundred KB belongs in document storage, referenced
// by URI.
const maxRequestBody = 1 << 20

type requestSchemas struct {
	push  *jsonschema.Schema
	batch *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	c := jsonschema.NewCompiler()
	for _, src := range []struct {
		url string
		raw []byte
	}{
		{pushSchemaURL, pushSchemaJSON},
		{batchSchemaURL, batchSchemaJSON},
	} {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src.raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", src.url, err)
		}
		if err := c.AddResource(src.url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", src.url, err)
		}
	}
	push, err := c.Compile(pushSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile push schema: %w", err)
	}
	batch, err := c.Compile(batchSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile batch schema: %w", err)
	}
	return &requestSchemas{push: push, batch: batch}, nil
}

// decodeBody reads the request body, validates it against schema when
// one is given, and unmarshals it into dst. All failures map to
// VALIDATION_ERROR.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return &api.Error{Code: api.ErrCodeValidation, Message: "read request body: " + err.Error()}
	}
	if len(body) == 0 {
		return &api.Error{Code: api.ErrCodeValidation, Message: "request body is required"}
	}
	if len(body) > maxRequestBody {
		return &api.Error{Code: api.ErrCodeValidation, Message: "request body exceeds 1MB"}
	}
	if schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
		if err != nil {
			return &api.Error{Code: api.ErrCodeValidation, Message: "request body is not valid JSON: " + err.Error()}
		}
		if err := schema.Validate(doc); err != nil {
			return &api.Error{Code: api.ErrCodeValidation, Message: "request body failed validation: " + err.Error()}
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &api.Error{Code: api.ErrCodeValidation, Message: "decode request body: " + err.Error()}
	}
	return nil
}
