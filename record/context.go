package record

import "strings"

// Context is a map-like execution context over a business record. Reads see
// the record's persisted fields plus any derived attributes added with Put;
// the processInstanceId field writes through to the backing record so that
// attachment decisions are immediately visible to the owning transaction.
type Context struct {
	model  string
	id     int64
	rec    Record
	values map[string]any
}

// FromRecord builds a context over a record.
func FromRecord(rec Record) *Context {
	values := rec.Values()
	values["id"] = rec.RecordID()
	if _, ok := values[ProcessInstanceIDField]; !ok {
		values[ProcessInstanceIDField] = rec.ProcessInstanceID()
	}

	return &Context{
		model:  rec.ModelName(),
		id:     rec.RecordID(),
		rec:    rec,
		values: values,
	}
}

func (c *Context) ModelName() string {
	return c.model
}

func (c *Context) ID() int64 {
	return c.id
}

// Record returns the backing record, nil for detached contexts.
func (c *Context) Record() Record {
	return c.rec
}

func (c *Context) Get(name string) any {
	return c.values[name]
}

func (c *Context) Put(name string, value any) {
	c.values[name] = value

	if name == ProcessInstanceIDField && c.rec != nil {
		if id, ok := value.(string); ok {
			c.rec.SetProcessInstanceID(id)
		}
	}
}

func (c *Context) ProcessInstanceID() string {
	id, _ := c.values[ProcessInstanceIDField].(string)

	return id
}

func (c *Context) SetProcessInstanceID(id string) {
	c.Put(ProcessInstanceIDField, id)
}

// Resolve navigates a dotted path from the context, unwrapping nested
// records along the way. It returns nil when any segment is absent.
func (c *Context) Resolve(path string) any {
	var current any = c

	for path != "" {
		segment := path
		if idx := strings.IndexByte(path, '.'); idx >= 0 {
			segment, path = path[:idx], path[idx+1:]
		} else {
			path = ""
		}

		switch v := current.(type) {
		case *Context:
			current = v.Get(segment)
		case Record:
			current = FromRecord(v).Get(segment)
		case map[string]any:
			current = v[segment]
		default:
			return nil
		}

		if current == nil {
			return nil
		}
	}

	return current
}

// RelatedContext resolves a navigation path to a related record's context,
// or nil when the path does not yield a record.
func (c *Context) RelatedContext(path string) *Context {
	return AsContext(c.Resolve(path))
}

// AsContext converts a navigation result into a context when possible.
func AsContext(v any) *Context {
	switch t := v.(type) {
	case *Context:
		return t
	case Record:
		return FromRecord(t)
	default:
		return nil
	}
}

// Env returns a plain-map view of the context for expression evaluation.
// Nested records are flattened to their own value maps, bounded to a small
// depth to keep cyclic object graphs from recursing.
func (c *Context) Env() map[string]any {
	return envValues(c.values, 3)
}

func envValues(values map[string]any, depth int) map[string]any {
	env := map[string]any{}

	for k, v := range values {
		switch t := v.(type) {
		case *Context:
			if depth > 0 {
				env[k] = envValues(t.values, depth-1)
			}
		case Record:
			if depth > 0 {
				env[k] = envValues(FromRecord(t).values, depth-1)
			}
		default:
			env[k] = v
		}
	}

	return env
}

