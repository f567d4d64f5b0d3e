package config

import (
	"sort"

	"github.com/logcraft-io/logcraft-cli/pkg/engine"
)

// ResolvedService pairs a service identifier with its configuration.
type ResolvedService struct {
	ID      string
	Service Service
}

// Registry is the in-memory view of configured services and environments.
type Registry struct {
	services     map[string]Service
	environments map[string][]string
}

// NewRegistry indexes the configuration. Ambiguity between service and
// environment identifiers was already rejected at load time.
func NewRegistry(cfg *Config) *Registry {
	r := &Registry{
		services:     make(map[string]Service, len(cfg.Services)),
		environments: make(map[string][]string),
	}
	for id, svc := range cfg.Services {
		r.services[id] = svc
		if svc.Environment != "" {
			r.environments[svc.Environment] = append(r.environments[svc.Environment], id)
		}
	}
	for _, ids := range r.environments {
		sort.Strings(ids)
	}
	return r
}

// Resolve maps an identifier to the set of services in scope:
// an exact service, an environment's services, or every service when the
// identifier is empty. Anything else fails with UnknownIdentifier.
func (r *Registry) Resolve(identifier string) ([]ResolvedService, error) {
	if identifier == "" {
		return r.all(), nil
	}
	if svc, ok := r.services[identifier]; ok {
		return []ResolvedService{{ID: identifier, Service: svc}}, nil
	}
	if ids, ok := r.environments[identifier]; ok {
		out := make([]ResolvedService, 0, len(ids))
		for _, id := range ids {
			out = append(out, ResolvedService{ID: id, Service: r.services[id]})
		}
		return out, nil
	}
	return nil, engine.Errorf(engine.KindUnknownIdentifier,
		"%q matches no service or environment", identifier)
}

func (r *Registry) all() []ResolvedService {
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ResolvedService, 0, len(ids))
	for _, id := range ids {
		out = append(out, ResolvedService{ID: id, Service: r.services[id]})
	}
	return out
}

// Targets builds the reconciler inputs for the services in scope: settings
// serialized, desired detections attached from the workspace view keyed by
// plugin name.
func (r *Registry) Targets(scope []ResolvedService, desiredByPlugin map[string]map[string][]byte) ([]engine.ServiceTarget, error) {
	targets := make([]engine.ServiceTarget, 0, len(scope))
	for _, rs := range scope {
		settings, err := rs.Service.SettingsJSON()
		if err != nil {
			return nil, err
		}
		targets = append(targets, engine.ServiceTarget{
			ID:       rs.ID,
			Plugin:   rs.Service.Plugin,
			Settings: settings,
			Desired:  desiredByPlugin[rs.Service.Plugin],
		})
	}
	return targets, nil
}
