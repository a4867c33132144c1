// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package mutation

import (
	"github.com/docmapper/docmap/keys"
	"github.com/docmapper/docmap/schema"
)

// DefaultMaxCascadeDepth bounds cascade resolution for pathological or
// accidentally-cyclic schemas.
const DefaultMaxCascadeDepth = 8

// cascadeNodes resolves the full cascade tree for one entity type:
// the type's own non-BelongsTo relations plus every BelongsTo relation other
// registered types declare against it. The visited stack detects delete
// cycles; depth bounds the recursion. The tree is resolved fresh per delete
// call, never cached, because the registered graph can grow between calls.
func (builder *Builder) cascadeNodes(desc *schema.EntityDescriptor, visited []schema.TypeRef, depth int) ([]CascadeNode, error) {
	if depth > builder.maxCascadeDepth() {
		return nil, ErrDepthExceeded.New("%s.%s exceeds depth %d",
			desc.Domain, desc.Collection, builder.maxCascadeDepth())
	}

	var nodes []CascadeNode

	for i := range desc.Relations {
		rel := &desc.Relations[i]
		if rel.Kind == schema.BelongsTo {
			// a BelongsTo cascade is interpreted from the target's side,
			// via the incoming pass below
			continue
		}
		if rel.Cascade == schema.CascadeNone {
			continue
		}

		domain := desc.Domain
		node := CascadeNode{
			Alias:     rel.Alias,
			SetPrefix: keys.RelationPrefix(builder.Prefix, domain, rel.Alias),
		}
		if maintainsReverse(rel.Kind) {
			node.MirrorPrefix = keys.RelationReversePrefix(builder.Prefix, domain, rel.Alias)
		}

		switch rel.Cascade {
		case schema.CascadeDetach:
			node.Action = cascadeDetach
		case schema.CascadeDelete:
			target := schema.TypeRef{
				Domain:     desc.RelationTargetDomain(rel),
				Collection: rel.TargetCollection,
			}
			targetDesc, nested, err := builder.resolveDeleteTarget(desc, rel.Alias, target, visited, depth)
			if err != nil {
				return nil, err
			}
			node.Action = cascadeDelete
			node.TargetPrefix = keys.EntityPrefix(builder.Prefix, target.Domain, target.Collection)
			node.TargetUnique = uniqueDefs(builder.Prefix, targetDesc)
			node.Nested = nested
		}
		nodes = append(nodes, node)
	}

	for _, incoming := range builder.Registry.IncomingBelongsTo(desc.Domain, desc.Collection) {
		rel := incoming.Relation
		if rel.Cascade == schema.CascadeNone {
			continue
		}

		// the dependent side owns the forward set; the deleted entity is
		// enumerated through the reverse index
		node := CascadeNode{
			Alias:        rel.Alias,
			SetPrefix:    keys.RelationReversePrefix(builder.Prefix, incoming.Owner.Domain, rel.Alias),
			MirrorPrefix: keys.RelationPrefix(builder.Prefix, incoming.Owner.Domain, rel.Alias),
		}

		switch rel.Cascade {
		case schema.CascadeDetach:
			node.Action = cascadeDetach
		case schema.CascadeDelete:
			targetDesc, nested, err := builder.resolveDeleteTarget(desc, rel.Alias, incoming.Owner, visited, depth)
			if err != nil {
				return nil, err
			}
			node.Action = cascadeDelete
			node.TargetPrefix = keys.EntityPrefix(builder.Prefix, incoming.Owner.Domain, incoming.Owner.Collection)
			node.TargetUnique = uniqueDefs(builder.Prefix, targetDesc)
			node.Nested = nested
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// resolveDeleteTarget looks up a delete-cascade target and recurses into its
// own cascade tree.
func (builder *Builder) resolveDeleteTarget(owner *schema.EntityDescriptor, alias string, target schema.TypeRef, visited []schema.TypeRef, depth int) (*schema.EntityDescriptor, []CascadeNode, error) {
	for _, seen := range visited {
		if seen == target {
			return nil, nil, ErrCycle.New("%s.%s relation %q points back to %s.%s",
				owner.Domain, owner.Collection, alias, target.Domain, target.Collection)
		}
	}

	targetDesc, ok := builder.Registry.Lookup(target.Domain, target.Collection)
	if !ok {
		return nil, nil, ErrUnregistered.New("%s.%s relation %q targets %s.%s",
			owner.Domain, owner.Collection, alias, target.Domain, target.Collection)
	}

	nested, err := builder.cascadeNodes(targetDesc, append(visited, target), depth+1)
	if err != nil {
		return nil, nil, err
	}
	return targetDesc, nested, nil
}

const (
	cascadeDelete = "delete"
	cascadeDetach = "detach"
)

// maintainsReverse reports whether a relation kind keeps a reverse index.
// Many-to-many relations are inherently bidirectional; BelongsTo maintains
// the reverse index so the target can enumerate its dependents. HasMany is
// forward-only.
func maintainsReverse(kind schema.RelationKind) bool {
	return kind == schema.ManyToMany || kind == schema.BelongsTo
}

// uniqueDefs builds value-less unique checks for cascade cleanup: the
// executor reads the victims' stored values.
func uniqueDefs(prefix string, desc *schema.EntityDescriptor) []UniqueCheck {
	checks := make([]UniqueCheck, 0, len(desc.Unique))
	for _, constraint := range desc.Unique {
		checks = append(checks, UniqueCheck{
			Name:            constraint.Name,
			KeyPrefix:       keys.UniquePrefix(prefix, desc.Domain, desc.Collection, constraint.Name),
			Fields:          constraint.Fields,
			CaseInsensitive: constraint.CaseInsensitive,
		})
	}
	return checks
}
