// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package mutation

import (
	"context"
	"encoding/json"
)

// CommandKind identifies a storage command inside a plan.
type CommandKind string

// Storage command kinds.
const (
	CommandUpsert    CommandKind = "upsert"
	CommandPatch     CommandKind = "patch"
	CommandDelete    CommandKind = "delete"
	CommandRelations CommandKind = "relations"
	CommandBranch    CommandKind = "branch"
)

// Plan is an ordered list of storage commands executed as one atomic unit.
// It is built, executed once and discarded.
type Plan struct {
	Idempotency *IdempotencySpec `json:"idempotency,omitempty"`
	Commands    []Command        `json:"commands"`
}

// IdempotencySpec dedupes replays of the same logical mutation within a TTL
// window: the executor records the response under Key and returns it verbatim
// for later identical submissions.
type IdempotencySpec struct {
	Key string `json:"key"`
	PX  int64  `json:"px"` // milliseconds
}

// Command is one storage command. Exactly one of the pointer members is set,
// matching Kind.
type Command struct {
	Kind      CommandKind       `json:"kind"`
	Upsert    *UpsertCommand    `json:"upsert,omitempty"`
	Patch     *PatchCommand     `json:"patch,omitempty"`
	Delete    *DeleteCommand    `json:"delete,omitempty"`
	Relations *RelationsCommand `json:"relations,omitempty"`
	Branch    *BranchCommand    `json:"branch,omitempty"`
}

// UniqueCheck carries one unique constraint to enforce or clean up. Values
// holds the new value per constrained field; fields absent from Values are
// read from the stored document by the executor.
type UniqueCheck struct {
	Name            string            `json:"name"`
	KeyPrefix       string            `json:"key_prefix"`
	Fields          []string          `json:"fields"`
	CaseInsensitive bool              `json:"ci,omitempty"`
	Values          map[string]string `json:"values,omitempty"`
}

// UpsertCommand writes a full document at its key, assigning the next
// version.
type UpsertCommand struct {
	Key             string          `json:"key"`
	EntityID        string          `json:"entity_id"`
	Doc             json.RawMessage `json:"doc"`
	ExpectedVersion *uint64         `json:"expected_version,omitempty"`
	Uniques         []UniqueCheck   `json:"uniques,omitempty"`
}

// PatchOp is the wire form of one patch operation.
type PatchOp struct {
	Path  string      `json:"path"`
	Kind  PatchOpKind `json:"kind"`
	Value interface{} `json:"value,omitempty"`
}

// PatchCommand applies path-addressed operations to a stored document.
type PatchCommand struct {
	Key             string        `json:"key"`
	EntityID        string        `json:"entity_id"`
	ExpectedVersion *uint64       `json:"expected_version,omitempty"`
	Ops             []PatchOp     `json:"ops"`
	Uniques         []UniqueCheck `json:"uniques,omitempty"`
}

// CascadeNode describes, for one relation of an entity being deleted, the
// sets to enumerate and the action to take on their members. SetPrefix and
// MirrorPrefix are key prefixes completed with an entity id at execution
// time: SetPrefix keyed by the deleted entity, MirrorPrefix keyed by each
// member (the opposite side's index of the same logical relation).
type CascadeNode struct {
	Alias        string        `json:"alias"`
	Action       string        `json:"action"` // "delete" or "detach"
	SetPrefix    string        `json:"set_prefix"`
	MirrorPrefix string        `json:"mirror_prefix,omitempty"`
	TargetPrefix string        `json:"target_prefix,omitempty"`
	TargetUnique []UniqueCheck `json:"target_uniques,omitempty"`
	Nested       []CascadeNode `json:"nested,omitempty"`
}

// DeleteCommand removes a document and walks its cascade tree. Deleting an
// absent key is not an error.
type DeleteCommand struct {
	Key             string        `json:"key"`
	EntityID        string        `json:"entity_id"`
	ExpectedVersion *uint64       `json:"expected_version,omitempty"`
	Cascade         []CascadeNode `json:"cascade,omitempty"`
	Uniques         []UniqueCheck `json:"uniques,omitempty"`
}

// RelationsCommand mutates one relation set. When MirrorPrefix is set the
// same membership change is mirrored onto the opposite side's index. Delete
// ids are removed and additionally erased through TargetCascade.
type RelationsCommand struct {
	SetKey string `json:"set_key"`
	LeftID string `json:"left_id"`

	// SetPrefix is the prefix SetKey was derived from; the executor uses it
	// to scrub deleted members out of other left sides' sets.
	SetPrefix    string        `json:"set_prefix,omitempty"`
	MirrorPrefix string        `json:"mirror_prefix,omitempty"`
	Add          []string      `json:"add,omitempty"`
	Remove       []string      `json:"remove,omitempty"`
	Delete       []string      `json:"delete,omitempty"`
	TargetPrefix string        `json:"target_prefix,omitempty"`
	TargetUnique []UniqueCheck `json:"target_uniques,omitempty"`
	TargetCasc   []CascadeNode `json:"target_cascade,omitempty"`
}

// BranchCommand checks a key's existence and executes exactly one of two
// command lists in the same atomic unit. It backs upsert and get-or-create.
type BranchCommand struct {
	CheckKey string `json:"check_key"`

	WhenAbsent  []Command `json:"when_absent"`
	WhenPresent []Command `json:"when_present,omitempty"`

	// ReturnExisting makes the present branch return the stored document
	// untouched instead of executing commands.
	ReturnExisting bool `json:"return_existing,omitempty"`
}

// RawResponse is one command's opaque result map. It always carries at least
// an entity id and, for document mutations, the assigned version.
type RawResponse map[string]interface{}

// EntityID returns the committed entity id of the response.
func (response RawResponse) EntityID() string {
	id, _ := response["entity_id"].(string)
	return id
}

// Version returns the server-assigned version of the response.
func (response RawResponse) Version() uint64 {
	switch v := response["version"].(type) {
	case float64:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

// Branch returns which branch a branch-command response took.
func (response RawResponse) Branch() string {
	branch, _ := response["branch"].(string)
	return branch
}

// Executor executes a plan as one atomic unit: either every command's effects
// become visible or none do.
type Executor interface {
	ExecutePlan(ctx context.Context, plan *Plan) ([]RawResponse, error)
}
