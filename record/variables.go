package record

import (
	"context"

	"github.com/mehdimirhoseini/axelor-studio/engine"
)

// EngineVariables converts a variable map for handoff to the process
// engine. Context values are flattened to their serializable field maps,
// and each record variable gains an "<name>Id" companion carrying the
// record id for cheap lookup inside the process.
func EngineVariables(vars map[string]any) map[string]any {
	out := map[string]any{}

	for name, v := range vars {
		c := AsContext(v)
		if c == nil {
			out[name] = v
			continue
		}

		out[name] = c.Env()
		out[name+"Id"] = c.ID()
	}

	return out
}

// PublishVariable stores a record context as an execution variable on a
// running instance, binding the context to the instance first if it is
// still unbound.
func PublishVariable(ctx context.Context, client engine.Client, instanceID string, c *Context) error {
	if c.ProcessInstanceID() == "" {
		c.SetProcessInstanceID(instanceID)
	}

	name := VarName(c.ModelName())

	if err := client.SetVariable(ctx, instanceID, name, c.Env()); err != nil {
		return err
	}

	return client.SetVariable(ctx, instanceID, name+"Id", c.ID())
}
