package saga

import (
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps definition IDs to registered saga definitions.
// Registration happens once per workflow type at process start, inside
// service constructors, but the map is safe for concurrent use so
// lookups during execution never race late registrations.
type Registry struct {
	definitions *xsync.MapOf[string, Definition]
}

// NewRegistry creates an empty definition registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: xsync.NewMapOf[string, Definition](),
	}
}

// Register validates and stores a definition. Re-registering an ID
// overwrites the prior definition (last-registration-wins).
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return errors.New("saga definition requires an ID")
	}
	if len(def.Steps) == 0 {
		return errors.Errorf("saga definition %s requires at least one step", def.ID)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return errors.Errorf("saga definition %s has a step without an ID", def.ID)
		}
		if step.Execute == nil {
			return errors.Errorf("step %s of saga definition %s has no execute function", step.ID, def.ID)
		}
		if _, dup := seen[step.ID]; dup {
			return errors.Errorf("duplicate step ID %s in saga definition %s", step.ID, def.ID)
		}
		seen[step.ID] = struct{}{}
	}

	// Copy the steps slice so later mutation of the caller's slice
	// cannot change a registered definition.
	steps := make([]Step, len(def.Steps))
	copy(steps, def.Steps)
	def.Steps = steps

	r.definitions.Store(def.ID, def)
	return nil
}

// Get resolves a definition by ID.
func (r *Registry) Get(id string) (Definition, error) {
	def, ok := r.definitions.Load(id)
	if !ok {
		return Definition{}, errors.Wrap(ErrDefinitionNotFound, id)
	}
	return def, nil
}
