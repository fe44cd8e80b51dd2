package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/mehdimirhoseini/axelor-studio/bpm"
)

// EnsureInstance resolves the registry row for an engine instance id,
// lazily creating it from the deployed process when it does not exist yet.
// Both creation paths of an instance, the listener's lazy one and the
// service's explicit one, go through here so the "exactly one row per
// instance id" invariant has a single owner.
func EnsureInstance(ctx context.Context, r Registry, instanceID, processDefinitionID string) (*bpm.Instance, error) {
	instance, err := r.FindByInstanceID(ctx, instanceID)
	if err == nil {
		return instance, nil
	}
	if !errors.Is(err, bpm.ErrInstanceNotFound) {
		return nil, err
	}

	process, err := r.ProcessByDefinitionID(ctx, processDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("resolving process for instance %s: %w", instanceID, err)
	}

	return r.CreateInstance(ctx, instanceID, process)
}
