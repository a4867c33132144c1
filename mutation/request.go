// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package mutation turns validated entity-change requests into atomic plans
// of storage commands: document upserts and patches, cascading deletes and
// relation-set maintenance. Plans are built synchronously and side-effect
// free; only execution touches storage, as one atomic unit per plan.
package mutation

import (
	"time"
)

// RelationPlan is one relation alias's requested mutation. Delete entries
// imply removal and, when the relation's cascade policy is CascadeDelete,
// trigger recursive deletion of the removed targets.
type RelationPlan struct {
	Alias string

	// LeftID defaults to the owning entity's id when empty.
	LeftID string

	Add    []string
	Remove []string
	Delete []string
}

func (plan RelationPlan) empty() bool {
	return len(plan.Add) == 0 && len(plan.Remove) == 0 && len(plan.Delete) == 0
}

// NestedMutation is a child entity created and linked in the same call as
// its parent.
type NestedMutation struct {
	// Alias names the parent's relation slot the child is connected through.
	Alias string

	Payload *Payload
}

// Payload is the configuration for creating one entity. It is consumed once
// by the plan builder and discarded.
type Payload struct {
	Domain     string
	Collection string

	// ID is the caller-supplied identifier. When empty and the descriptor
	// declares no derived id, the builder assigns a fresh uuid.
	ID string

	// Doc is the candidate document. Fields present here override
	// auto-managed timestamps.
	Doc map[string]interface{}

	Relations []RelationPlan
	Nested    []NestedMutation

	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// PatchOpKind distinguishes the patch operation applied at a field path.
type PatchOpKind string

// Patch operation kinds.
const (
	OpAssign PatchOpKind = "assign"
	OpMerge  PatchOpKind = "merge"
	OpDelete PatchOpKind = "delete"
)

// PatchOperation is one field-path operation of a patch.
type PatchOperation struct {
	Path  string
	Kind  PatchOpKind
	Value interface{}
}

// Patch is the configuration for partially updating one entity.
type Patch struct {
	Domain     string
	Collection string
	ID         string

	// ExpectedVersion, when set, makes the patch conditional on the stored
	// version matching.
	ExpectedVersion *uint64

	Ops       []PatchOperation
	Relations []RelationPlan
	Nested    []NestedMutation

	IdempotencyKey string
	IdempotencyTTL time.Duration
}

// IsNoop reports whether the patch requests no change at all.
func (patch *Patch) IsNoop() bool {
	if len(patch.Ops) > 0 || len(patch.Nested) > 0 {
		return false
	}
	for _, plan := range patch.Relations {
		if !plan.empty() {
			return false
		}
	}
	return true
}
