// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package schema

import (
	"sync"
)

// TypeRef identifies a registered entity type.
type TypeRef struct {
	Domain     string
	Collection string
}

// IncomingRelation records a BelongsTo relation some other entity type
// declares against a target type. It is consulted during cascade resolution
// of the target.
type IncomingRelation struct {
	Owner    TypeRef
	Relation RelationDescriptor
}

// Registry is the process-wide map of registered entity descriptors. It is
// safe for concurrent use; registration is idempotent and the first
// registration of a type wins.
type Registry struct {
	mu       sync.RWMutex
	types    map[TypeRef]*EntityDescriptor
	incoming map[TypeRef][]IncomingRelation
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[TypeRef]*EntityDescriptor),
		incoming: make(map[TypeRef][]IncomingRelation),
	}
}

// RegisterIfAbsent validates and registers a descriptor. Concurrent
// registrations of the same type converge on the first stored descriptor.
// The returned descriptor is the one held by the registry.
func (registry *Registry) RegisterIfAbsent(desc *EntityDescriptor) (*EntityDescriptor, error) {
	if err := desc.check(); err != nil {
		return nil, err
	}

	ref := TypeRef{Domain: desc.Domain, Collection: desc.Collection}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.types[ref]; ok {
		return existing, nil
	}
	registry.types[ref] = desc

	for i := range desc.Relations {
		rel := desc.Relations[i]
		if rel.Kind != BelongsTo {
			continue
		}
		target := TypeRef{
			Domain:     desc.RelationTargetDomain(&rel),
			Collection: rel.TargetCollection,
		}
		registry.incoming[target] = append(registry.incoming[target], IncomingRelation{
			Owner:    ref,
			Relation: rel,
		})
	}

	return desc, nil
}

// Lookup returns the descriptor registered for a type.
func (registry *Registry) Lookup(domain, collection string) (*EntityDescriptor, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	desc, ok := registry.types[TypeRef{Domain: domain, Collection: collection}]
	return desc, ok
}

// IncomingBelongsTo returns every BelongsTo relation other registered types
// declare against the given type.
func (registry *Registry) IncomingBelongsTo(domain, collection string) []IncomingRelation {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	incoming := registry.incoming[TypeRef{Domain: domain, Collection: collection}]
	result := make([]IncomingRelation, len(incoming))
	copy(result, incoming)
	return result
}
