// Package record bridges business records and process-engine variables. A
// Context is a read/write, serializable view over a record's persisted
// fields; the Builder constructs contexts from identifiers or query
// expressions and persists mutations back through the repository declared
// for the record's type. Native and dynamic/JSON record types are handled
// uniformly.
package record

import (
	"strings"
	"sync"
)

// ProcessInstanceIDField is the record field carrying the bound engine
// instance id. A record carries at most one active binding at a time.
const ProcessInstanceIDField = "processInstanceId"

// Record is the minimal surface a workflow-managed business record
// exposes.
type Record interface {
	// ModelName returns the record's declared type: the native model name
	// or the dynamic/JSON model name.
	ModelName() string

	RecordID() int64

	// Values returns the record's persisted fields. Related records may
	// appear as nested Record values.
	Values() map[string]any

	ProcessInstanceID() string
	SetProcessInstanceID(id string)
}

// Dynamic is a schema-less record backed by a field map. It serves dynamic
// JSON models and doubles as the test record type.
type Dynamic struct {
	mu     sync.Mutex
	model  string
	id     int64
	fields map[string]any
}

var _ Record = (*Dynamic)(nil)

func NewDynamic(model string, id int64, fields map[string]any) *Dynamic {
	f := map[string]any{}
	for k, v := range fields {
		f[k] = v
	}

	return &Dynamic{model: model, id: id, fields: f}
}

func (d *Dynamic) ModelName() string {
	return d.model
}

func (d *Dynamic) RecordID() int64 {
	return d.id
}

func (d *Dynamic) Values() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()

	values := map[string]any{}
	for k, v := range d.fields {
		values[k] = v
	}

	return values
}

func (d *Dynamic) Set(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fields[name] = value
}

func (d *Dynamic) ProcessInstanceID() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, _ := d.fields[ProcessInstanceIDField].(string)

	return id
}

func (d *Dynamic) SetProcessInstanceID(id string) {
	d.Set(ProcessInstanceIDField, id)
}

// VarName derives the execution-variable name for a model: the simple model
// name with a lower-cased first letter, "Invoice" -> "invoice".
func VarName(model string) string {
	if idx := strings.LastIndex(model, "."); idx >= 0 {
		model = model[idx+1:]
	}
	if model == "" {
		return model
	}

	return strings.ToLower(model[:1]) + model[1:]
}
