package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kirillkom/docflow/internal/core/domain"
)

const jobSchemaJSON = `{
  "type": "object",
  "required": ["job_id"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "source_ref": {"type": "string"},
    "inline_payload": {"type": "object"},
    "enqueued_at": {"type": "string"}
  },
  "anyOf": [
    {"required": ["source_ref"]},
    {"required": ["inline_payload"]}
  ]
}`

// JobDecoder validates raw queue messages before they are attributed to a
// document.
type JobDecoder struct {
	schema *jsonschema.Schema
}

func NewJobDecoder() (*JobDecoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job.json", bytes.NewReader([]byte(jobSchemaJSON))); err != nil {
		return nil, fmt.Errorf("add job schema: %w", err)
	}
	schema, err := compiler.Compile("job.json")
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}
	return &JobDecoder{schema: schema}, nil
}

func (d *JobDecoder) Decode(body []byte) (domain.Job, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.Job{}, domain.WrapError(domain.ErrMalformedJob, "decode job", err)
	}
	if err := d.schema.Validate(raw); err != nil {
		return domain.Job{}, domain.WrapError(domain.ErrMalformedJob, "validate job", err)
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}
