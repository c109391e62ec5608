package plugin

import "github.com/openagency/agencyd/internal/registry"

// Registry indexes plugins by name and tag. Unresolvable bare names stay
// silent: the same capability token may resolve in the tool registry instead.
type Registry struct {
	*registry.Index[Plugin]
}

func NewRegistry() *Registry {
	return &Registry{Index: registry.NewIndex[Plugin](nil)}
}

// RegisterPlugin adds a plugin under its own name.
func (r *Registry) RegisterPlugin(p Plugin, tags ...string) {
	r.Register(p.Name, p, tags...)
}
