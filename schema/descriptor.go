// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package schema holds the static metadata registered for every entity type:
// fields, relations, unique constraints and id derivation. Descriptors are
// registered once and immutable afterwards.
package schema

import (
	"github.com/zeebo/errs"
)

// Error is a schema error.
var Error = errs.Class("schema")

// Kind is the declared value kind of a field.
type Kind int

// Declared field value kinds.
const (
	String Kind = iota
	Number
	Boolean
	Array
	Object
	DateTime
)

// RelationKind distinguishes how a relation slot links entities.
type RelationKind int

// Relation kinds.
const (
	BelongsTo RelationKind = iota
	HasMany
	ManyToMany
)

// CascadePolicy declares what happens to dependents when the related entity
// is deleted.
type CascadePolicy int

// Cascade policies.
const (
	CascadeNone CascadePolicy = iota
	CascadeDetach
	CascadeDelete
)

// RuleKind identifies a validation rule.
type RuleKind int

// Validation rule kinds.
const (
	RuleLength RuleKind = iota
	RuleRange
	RuleRegex
	RuleEnum
	RuleEmail
	RuleURL
	RuleUUID
	RuleRequiredIf
	RuleForbiddenIf
	RuleCustom
)

// Rule is one declarative validation rule attached to a field. The validate
// package interprets rules; schema only carries them.
type Rule struct {
	Kind RuleKind

	// Min/Max bound RuleLength (string or array length) and RuleRange
	// (numeric value). HasMin/HasMax distinguish an unset bound from zero.
	Min    float64
	Max    float64
	HasMin bool
	HasMax bool

	// Pattern holds the RuleRegex expression.
	Pattern string

	// Enum holds the admissible values for RuleEnum.
	Enum []string

	// Peer names the other field consulted by RuleRequiredIf and
	// RuleForbiddenIf.
	Peer string

	// Each applies the rule to every element of an array field instead of
	// the array itself.
	Each bool

	// Check is the RuleCustom callback.
	Check func(value interface{}) error
}

// FieldDescriptor describes one declared field of an entity type.
type FieldDescriptor struct {
	Name        string
	Kind        Kind
	Elem        Kind
	Optional    bool
	Identifying bool
	Rules       []Rule

	// AutoCreated and AutoUpdated mark timestamp fields the engine fills in
	// unless the caller supplies an explicit value.
	AutoCreated bool
	AutoUpdated bool

	// Mirror names a shadow field that stores the same datetime as a numeric
	// epoch for range-indexable queries.
	Mirror string

	// RelationArray marks an array field backed by a relation set. Such a
	// field always defaults to empty and is never required.
	RelationArray bool

	// EnumTag names a shadow field that stores the discriminant of a
	// variant-carrying value as a plain string for tag indexing.
	EnumTag string
}

// RelationDescriptor describes one named relation slot on an entity type.
//
// For a BelongsTo relation the cascade policy describes what happens to this
// entity when the target is deleted; it is interpreted by the target's
// cascade resolution, not the owner's.
type RelationDescriptor struct {
	Alias            string
	TargetDomain     string // defaults to the owner's domain
	TargetCollection string
	Kind             RelationKind
	Cascade          CascadePolicy
	ForeignKey       string // set for BelongsTo
}

// UniqueConstraint declares a single-field or compound uniqueness rule over
// an entity collection. It is enforced at write time by the executor.
type UniqueConstraint struct {
	Name            string
	Fields          []string
	CaseInsensitive bool
}

// DerivedID declares an identifier composed by concatenating field values.
type DerivedID struct {
	Fields    []string
	Separator string
}

// EntityDescriptor is the registered static schema of one entity type.
type EntityDescriptor struct {
	Domain        string
	Collection    string
	SchemaVersion uint32
	IDField       string
	Fields        []FieldDescriptor
	Relations     []RelationDescriptor
	DerivedID     *DerivedID
	Unique        []UniqueConstraint
}

// Field returns the descriptor of a declared field.
func (desc *EntityDescriptor) Field(name string) (*FieldDescriptor, bool) {
	for i := range desc.Fields {
		if desc.Fields[i].Name == name {
			return &desc.Fields[i], true
		}
	}
	return nil, false
}

// Relation returns the descriptor of a declared relation slot.
func (desc *EntityDescriptor) Relation(alias string) (*RelationDescriptor, bool) {
	for i := range desc.Relations {
		if desc.Relations[i].Alias == alias {
			return &desc.Relations[i], true
		}
	}
	return nil, false
}

// RelationTargetDomain resolves a relation's target domain, defaulting to the
// owner's domain.
func (desc *EntityDescriptor) RelationTargetDomain(rel *RelationDescriptor) string {
	if rel.TargetDomain != "" {
		return rel.TargetDomain
	}
	return desc.Domain
}

// BelongsToTarget returns the BelongsTo relation pointing at the given type,
// if the descriptor declares one.
func (desc *EntityDescriptor) BelongsToTarget(domain, collection string) (*RelationDescriptor, bool) {
	for i := range desc.Relations {
		rel := &desc.Relations[i]
		if rel.Kind != BelongsTo {
			continue
		}
		if desc.RelationTargetDomain(rel) == domain && rel.TargetCollection == collection {
			return rel, true
		}
	}
	return nil, false
}

// check verifies registration-time invariants. Rule applicability is checked
// here rather than per document, so documents never race a misdeclared rule.
func (desc *EntityDescriptor) check() error {
	if desc.Domain == "" || desc.Collection == "" {
		return Error.New("descriptor needs a domain and a collection")
	}

	identifying := 0
	for i := range desc.Fields {
		field := &desc.Fields[i]
		if field.Identifying {
			identifying++
			if field.Name != desc.IDField {
				return Error.New("%s.%s: identifying field %q does not match id field %q",
					desc.Domain, desc.Collection, field.Name, desc.IDField)
			}
		}
		for _, rule := range field.Rules {
			textual := field.Kind == String || (field.Kind == Array && field.Elem == String && rule.Each)
			switch rule.Kind {
			case RuleRegex, RuleEnum, RuleEmail, RuleURL, RuleUUID:
				if !textual {
					return Error.New("%s.%s: field %q: rule applies only to textual fields",
						desc.Domain, desc.Collection, field.Name)
				}
			case RuleRange:
				if field.Kind != Number && !(field.Kind == Array && field.Elem == Number && rule.Each) {
					return Error.New("%s.%s: field %q: range rule applies only to numeric fields",
						desc.Domain, desc.Collection, field.Name)
				}
			}
		}
		if field.RelationArray && field.Kind != Array {
			return Error.New("%s.%s: field %q: relation-backed field must be an array",
				desc.Domain, desc.Collection, field.Name)
		}
	}
	if identifying != 1 {
		return Error.New("%s.%s: exactly one identifying field required, found %d",
			desc.Domain, desc.Collection, identifying)
	}

	for i := range desc.Relations {
		rel := &desc.Relations[i]
		if rel.Alias == "" || rel.TargetCollection == "" {
			return Error.New("%s.%s: relation needs an alias and a target collection",
				desc.Domain, desc.Collection)
		}
		if rel.Kind != BelongsTo && rel.ForeignKey != "" {
			return Error.New("%s.%s: relation %q: foreign key is only valid on belongs-to",
				desc.Domain, desc.Collection, rel.Alias)
		}
	}

	for _, constraint := range desc.Unique {
		if constraint.Name == "" || len(constraint.Fields) == 0 {
			return Error.New("%s.%s: unique constraint needs a name and fields",
				desc.Domain, desc.Collection)
		}
		for _, name := range constraint.Fields {
			field, ok := desc.Field(name)
			if !ok {
				return Error.New("%s.%s: unique constraint %q references unknown field %q",
					desc.Domain, desc.Collection, constraint.Name, name)
			}
			// non-textual values have no canonical string form shared by the
			// builder and the executor, so their norms cannot be cleaned up
			// reliably
			if field.Kind != String && field.Kind != DateTime {
				return Error.New("%s.%s: unique constraint %q: field %q must be textual",
					desc.Domain, desc.Collection, constraint.Name, name)
			}
		}
	}

	if desc.DerivedID != nil {
		if len(desc.DerivedID.Fields) == 0 {
			return Error.New("%s.%s: derived id needs at least one field",
				desc.Domain, desc.Collection)
		}
	}

	return nil
}
