// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package mutation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docmapper/docmap/keys"
	"github.com/docmapper/docmap/schema"
	"github.com/docmapper/docmap/validate"
)

// Builder turns validated payloads and patches into atomic plans. Plan
// building is synchronous, CPU-only and side-effect free; a build failure
// leaves storage untouched.
type Builder struct {
	Registry *schema.Registry
	Prefix   string

	// MaxCascadeDepth bounds cascade resolution; zero means
	// DefaultMaxCascadeDepth.
	MaxCascadeDepth int

	// Now is the clock used for auto-managed timestamps; nil means
	// time.Now.
	Now func() time.Time
}

func (builder *Builder) maxCascadeDepth() int {
	if builder.MaxCascadeDepth > 0 {
		return builder.MaxCascadeDepth
	}
	return DefaultMaxCascadeDepth
}

func (builder *Builder) now() time.Time {
	if builder.Now != nil {
		return builder.Now()
	}
	return time.Now()
}

// BuildCreate builds the plan for creating one entity, including nested
// child creations (persisted bottom-up) and relation mutations. It returns
// the final entity id, which may differ from the payload's when the
// descriptor derives ids from field values.
func (builder *Builder) BuildCreate(payload *Payload) (*Plan, string, error) {
	desc, ok := builder.Registry.Lookup(payload.Domain, payload.Collection)
	if !ok {
		return nil, "", ErrUnregistered.New("%s.%s", payload.Domain, payload.Collection)
	}

	commands, id, err := builder.createCommands(desc, payload)
	if err != nil {
		return nil, "", err
	}

	plan := &Plan{Commands: commands}
	builder.attachIdempotency(plan, desc, payload.IdempotencyKey, payload.IdempotencyTTL)
	return plan, id, nil
}

// createCommands prepares the payload's document, recursively builds nested
// children (children's commands precede the parent's upsert, so grandchildren
// exist before their parents reference them) and resolves relation plans.
func (builder *Builder) createCommands(desc *schema.EntityDescriptor, payload *Payload) ([]Command, string, error) {
	if payload.Doc == nil {
		payload.Doc = map[string]interface{}{}
	}
	doc := payload.Doc

	builder.fillTimestamps(desc, doc)
	if _, ok := doc["_meta"]; !ok {
		doc["_meta"] = map[string]interface{}{}
	}
	injectEnumTags(desc, doc)

	id := payload.ID
	if derived, ok := deriveID(desc, doc); ok {
		id = derived
	}
	if id == "" {
		id = uuid.NewString()
	}
	doc[desc.IDField] = id

	if err := validate.Document(desc, doc); err != nil {
		return nil, "", err
	}

	var commands []Command
	relations := payload.Relations

	for _, nested := range payload.Nested {
		childCommands, connect, err := builder.nestedCommands(desc, id, nested)
		if err != nil {
			return nil, "", err
		}
		commands = append(commands, childCommands...)
		relations = append(relations, connect)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}

	commands = append(commands, Command{
		Kind: CommandUpsert,
		Upsert: &UpsertCommand{
			Key:      keys.Entity(builder.Prefix, desc.Domain, desc.Collection, id),
			EntityID: id,
			Doc:      raw,
			Uniques:  builder.uniqueChecksForCreate(desc, doc),
		},
	})

	relationCommands, err := builder.resolveRelations(desc, id, relations)
	if err != nil {
		return nil, "", err
	}
	commands = append(commands, relationCommands...)

	return commands, id, nil
}

// nestedCommands builds a nested child creation: the child is linked to its
// parent by injecting the parent's foreign key when the child declares one,
// and by a connect directive on the parent's relation slot.
func (builder *Builder) nestedCommands(parent *schema.EntityDescriptor, parentID string, nested NestedMutation) ([]Command, RelationPlan, error) {
	none := RelationPlan{}

	rel, ok := parent.Relation(nested.Alias)
	if !ok {
		return nil, none, issueError(nested.Alias, "unknown_relation", "relation alias is not declared")
	}
	if nested.Payload == nil {
		return nil, none, issueError(nested.Alias, "nested", "nested mutation carries no payload")
	}

	child := nested.Payload
	if child.Domain == "" {
		child.Domain = parent.RelationTargetDomain(rel)
	}
	if child.Collection == "" {
		child.Collection = rel.TargetCollection
	}

	childDesc, ok := builder.Registry.Lookup(child.Domain, child.Collection)
	if !ok {
		return nil, none, ErrUnregistered.New("%s.%s", child.Domain, child.Collection)
	}

	if child.Doc == nil {
		child.Doc = map[string]interface{}{}
	}
	if back, ok := childDesc.BelongsToTarget(parent.Domain, parent.Collection); ok && back.ForeignKey != "" {
		child.Doc[back.ForeignKey] = parentID
	}

	commands, childID, err := builder.createCommands(childDesc, child)
	if err != nil {
		return nil, none, err
	}

	connect := RelationPlan{
		Alias:  nested.Alias,
		LeftID: parentID,
		Add:    []string{childID},
	}
	return commands, connect, nil
}

// BuildPatch builds the plan for a partial update. A patch that requests no
// change returns a nil plan without touching storage.
func (builder *Builder) BuildPatch(patch *Patch) (*Plan, error) {
	if patch.IsNoop() {
		return nil, nil
	}

	desc, ok := builder.Registry.Lookup(patch.Domain, patch.Collection)
	if !ok {
		return nil, ErrUnregistered.New("%s.%s", patch.Domain, patch.Collection)
	}
	if patch.ID == "" {
		return nil, issueError(desc.IDField, "missing_id", "patch requires a target id")
	}

	var commands []Command
	relations := patch.Relations

	for _, nested := range patch.Nested {
		childCommands, connect, err := builder.nestedCommands(desc, patch.ID, nested)
		if err != nil {
			return nil, err
		}
		commands = append(commands, childCommands...)
		relations = append(relations, connect)
	}

	ops, touched, assigned, err := builder.patchOps(desc, patch.Ops)
	if err != nil {
		return nil, err
	}

	if len(ops) > 0 {
		commands = append(commands, Command{
			Kind: CommandPatch,
			Patch: &PatchCommand{
				Key:             keys.Entity(builder.Prefix, desc.Domain, desc.Collection, patch.ID),
				EntityID:        patch.ID,
				ExpectedVersion: patch.ExpectedVersion,
				Ops:             ops,
				Uniques:         builder.uniqueChecksForPatch(desc, touched, assigned),
			},
		})
	} else if patch.ExpectedVersion != nil {
		// a relation-only mutation can still carry a version precondition
		commands = append(commands, Command{
			Kind: CommandPatch,
			Patch: &PatchCommand{
				Key:             keys.Entity(builder.Prefix, desc.Domain, desc.Collection, patch.ID),
				EntityID:        patch.ID,
				ExpectedVersion: patch.ExpectedVersion,
			},
		})
	}

	relationCommands, err := builder.resolveRelations(desc, patch.ID, relations)
	if err != nil {
		return nil, err
	}
	commands = append(commands, relationCommands...)

	if len(commands) == 0 {
		return nil, nil
	}

	plan := &Plan{Commands: commands}
	builder.attachIdempotency(plan, desc, patch.IdempotencyKey, patch.IdempotencyTTL)
	return plan, nil
}

// patchOps validates and lowers the caller's field operations, appending
// auto-updated timestamps, datetime mirrors and enum-tag shadow operations.
// It returns the wire operations, the set of touched root fields and the
// values assigned at root level.
func (builder *Builder) patchOps(desc *schema.EntityDescriptor, operations []PatchOperation) ([]PatchOp, map[string]bool, map[string]string, error) {
	var issues []validate.Issue
	var ops []PatchOp
	touched := map[string]bool{}
	assigned := map[string]string{}

	for _, op := range operations {
		root := rootField(op.Path)
		field, ok := desc.Field(root)
		if !ok {
			issues = append(issues, validate.Issue{
				Field: root, Code: "unknown_field", Message: "field is not declared",
			})
			continue
		}
		if field.Identifying {
			issues = append(issues, validate.Issue{
				Field: root, Code: "immutable", Message: "identifying field cannot be patched",
			})
			continue
		}
		if op.Kind == OpDelete && op.Path == root && !field.Optional {
			issues = append(issues, validate.Issue{
				Field: root, Code: "not_optional", Message: "cannot delete a required field",
			})
			continue
		}
		if op.Kind == OpAssign && op.Path == root {
			issues = append(issues, validate.Value(field, op.Value)...)
			assigned[root] = stringify(op.Value)
		}

		touched[root] = true
		ops = append(ops, PatchOp{Path: op.Path, Kind: op.Kind, Value: op.Value})

		ops = append(ops, builder.mirrorOps(field, op)...)
		ops = append(ops, shadowOps(field, op)...)
	}

	if len(issues) > 0 {
		return nil, nil, nil, &validate.Error{Issues: issues}
	}

	for i := range desc.Fields {
		field := &desc.Fields[i]
		if !field.AutoUpdated || touched[field.Name] {
			continue
		}
		now := builder.now()
		ops = append(ops, PatchOp{Path: field.Name, Kind: OpAssign, Value: now.Format(time.RFC3339Nano)})
		if field.Mirror != "" {
			ops = append(ops, PatchOp{Path: field.Mirror, Kind: OpAssign, Value: now.UnixMilli()})
		}
		touched[field.Name] = true
	}

	return ops, touched, assigned, nil
}

// mirrorOps keeps a datetime field's epoch shadow in step with the patched
// value.
func (builder *Builder) mirrorOps(field *schema.FieldDescriptor, op PatchOperation) []PatchOp {
	if field.Mirror == "" || op.Path != field.Name {
		return nil
	}
	switch op.Kind {
	case OpAssign:
		if text, ok := op.Value.(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
				return []PatchOp{{Path: field.Mirror, Kind: OpAssign, Value: parsed.UnixMilli()}}
			}
		}
	case OpDelete:
		return []PatchOp{{Path: field.Mirror, Kind: OpDelete}}
	}
	return nil
}

// shadowOps keeps an enum-tag shadow field in step with the patched value.
// Merges do not change the discriminant and are left alone.
func shadowOps(field *schema.FieldDescriptor, op PatchOperation) []PatchOp {
	if field.EnumTag == "" || op.Path != field.Name {
		return nil
	}
	switch op.Kind {
	case OpAssign:
		if tag := discriminant(op.Value); tag != "" {
			return []PatchOp{{Path: field.EnumTag, Kind: OpAssign, Value: tag}}
		}
	case OpDelete:
		return []PatchOp{{Path: field.EnumTag, Kind: OpDelete}}
	}
	return nil
}

// BuildDelete builds the plan for deleting one entity, resolving the full
// cascade tree over the registered relation graph.
func (builder *Builder) BuildDelete(domain, collection, id string, expectedVersion *uint64) (*Plan, error) {
	desc, ok := builder.Registry.Lookup(domain, collection)
	if !ok {
		return nil, ErrUnregistered.New("%s.%s", domain, collection)
	}
	if id == "" {
		return nil, issueError(desc.IDField, "missing_id", "delete requires a target id")
	}

	visited := []schema.TypeRef{{Domain: domain, Collection: collection}}
	cascade, err := builder.cascadeNodes(desc, visited, 1)
	if err != nil {
		return nil, err
	}

	return &Plan{Commands: []Command{{
		Kind: CommandDelete,
		Delete: &DeleteCommand{
			Key:             keys.Entity(builder.Prefix, domain, collection, id),
			EntityID:        id,
			ExpectedVersion: expectedVersion,
			Cascade:         cascade,
			Uniques:         uniqueDefs(builder.Prefix, desc),
		},
	}}}, nil
}

// BuildRelations builds the plan for a relation-only mutation. When nothing
// resolves to a change it returns a nil plan.
func (builder *Builder) BuildRelations(domain, collection, leftID string, plans []RelationPlan) (*Plan, error) {
	desc, ok := builder.Registry.Lookup(domain, collection)
	if !ok {
		return nil, ErrUnregistered.New("%s.%s", domain, collection)
	}
	commands, err := builder.resolveRelations(desc, leftID, plans)
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, nil
	}
	return &Plan{Commands: commands}, nil
}

// BuildUpsert combines a create payload and an update patch into one branch
// command: the existence check and the chosen branch execute in the same
// atomic unit, so two concurrent identical upserts cannot both create.
func (builder *Builder) BuildUpsert(create *Payload, update *Patch) (*Plan, string, error) {
	desc, ok := builder.Registry.Lookup(create.Domain, create.Collection)
	if !ok {
		return nil, "", ErrUnregistered.New("%s.%s", create.Domain, create.Collection)
	}
	if update.ID == "" {
		return nil, "", issueError(desc.IDField, "missing_id", "upsert requires the update patch to name an id")
	}

	createCommands, id, err := builder.createCommands(desc, create)
	if err != nil {
		return nil, "", err
	}

	branch := &BranchCommand{
		CheckKey:   keys.Entity(builder.Prefix, update.Domain, update.Collection, update.ID),
		WhenAbsent: createCommands,
	}

	if update.IsNoop() {
		branch.ReturnExisting = true
	} else {
		updatePlan, err := builder.BuildPatch(update)
		if err != nil {
			return nil, "", err
		}
		if updatePlan != nil {
			branch.WhenPresent = updatePlan.Commands
		} else {
			branch.ReturnExisting = true
		}
	}

	plan := &Plan{Commands: []Command{{Kind: CommandBranch, Branch: branch}}}
	builder.attachIdempotency(plan, desc, create.IdempotencyKey, create.IdempotencyTTL)
	return plan, id, nil
}

// BuildGetOrCreate builds the plan that creates the entity when absent and
// returns the stored one unchanged when present.
func (builder *Builder) BuildGetOrCreate(create *Payload) (*Plan, string, error) {
	desc, ok := builder.Registry.Lookup(create.Domain, create.Collection)
	if !ok {
		return nil, "", ErrUnregistered.New("%s.%s", create.Domain, create.Collection)
	}

	createCommands, id, err := builder.createCommands(desc, create)
	if err != nil {
		return nil, "", err
	}

	plan := &Plan{Commands: []Command{{
		Kind: CommandBranch,
		Branch: &BranchCommand{
			CheckKey:       keys.Entity(builder.Prefix, desc.Domain, desc.Collection, id),
			WhenAbsent:     createCommands,
			ReturnExisting: true,
		},
	}}}
	builder.attachIdempotency(plan, desc, create.IdempotencyKey, create.IdempotencyTTL)
	return plan, id, nil
}

// resolveRelations lowers relation plans into relation commands. Unknown
// aliases and unresolvable left ids are validation errors.
func (builder *Builder) resolveRelations(desc *schema.EntityDescriptor, defaultLeftID string, plans []RelationPlan) ([]Command, error) {
	var commands []Command
	for _, plan := range plans {
		if plan.empty() {
			continue
		}

		rel, ok := desc.Relation(plan.Alias)
		if !ok {
			return nil, issueError(plan.Alias, "unknown_relation", "relation alias is not declared")
		}

		leftID := plan.LeftID
		if leftID == "" {
			leftID = defaultLeftID
		}
		if leftID == "" {
			return nil, issueError(plan.Alias, "missing_left_id", "relation plan has no resolvable left id")
		}

		command := &RelationsCommand{
			SetKey:    keys.Relation(builder.Prefix, desc.Domain, rel.Alias, leftID),
			SetPrefix: keys.RelationPrefix(builder.Prefix, desc.Domain, rel.Alias),
			LeftID:    leftID,
			Add:       plan.Add,
			Remove:    plan.Remove,
		}
		if maintainsReverse(rel.Kind) {
			command.MirrorPrefix = keys.RelationReversePrefix(builder.Prefix, desc.Domain, rel.Alias)
		}

		if len(plan.Delete) > 0 {
			command.Delete = plan.Delete
			if rel.Cascade == schema.CascadeDelete {
				target := schema.TypeRef{
					Domain:     desc.RelationTargetDomain(rel),
					Collection: rel.TargetCollection,
				}
				visited := []schema.TypeRef{{Domain: desc.Domain, Collection: desc.Collection}}
				targetDesc, nested, err := builder.resolveDeleteTarget(desc, rel.Alias, target, visited, 1)
				if err != nil {
					return nil, err
				}
				command.TargetPrefix = keys.EntityPrefix(builder.Prefix, target.Domain, target.Collection)
				command.TargetUnique = uniqueDefs(builder.Prefix, targetDesc)
				command.TargetCasc = nested
			}
		}

		commands = append(commands, Command{Kind: CommandRelations, Relations: command})
	}
	return commands, nil
}

// fillTimestamps applies auto-managed timestamp fields not explicitly set by
// the caller and keeps datetime mirrors in step with their source fields.
func (builder *Builder) fillTimestamps(desc *schema.EntityDescriptor, doc map[string]interface{}) {
	now := builder.now()
	for i := range desc.Fields {
		field := &desc.Fields[i]
		if field.AutoCreated || field.AutoUpdated {
			if _, ok := doc[field.Name]; !ok {
				doc[field.Name] = now.Format(time.RFC3339Nano)
			}
		}
		if field.Mirror == "" {
			continue
		}
		if text, ok := doc[field.Name].(string); ok {
			if parsed, err := time.Parse(time.RFC3339Nano, text); err == nil {
				doc[field.Mirror] = parsed.UnixMilli()
			}
		}
	}
}

// injectEnumTags extracts the discriminant of variant-carrying values into
// their declared shadow fields so the search index has a plain string to tag.
func injectEnumTags(desc *schema.EntityDescriptor, doc map[string]interface{}) {
	for i := range desc.Fields {
		field := &desc.Fields[i]
		if field.EnumTag == "" {
			continue
		}
		value, ok := doc[field.Name]
		if !ok {
			continue
		}
		if tag := discriminant(value); tag != "" {
			doc[field.EnumTag] = tag
		}
	}
}

// discriminant extracts the tag of a variant-carrying value: a single-key
// object yields its key, a bare string yields itself.
func discriminant(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case map[string]interface{}:
		if len(v) == 1 {
			for key := range v {
				return key
			}
		}
	}
	return ""
}

// deriveID composes the entity id from the declared fields. When any
// component is missing or empty the derivation is skipped and the
// caller-supplied id stands.
func deriveID(desc *schema.EntityDescriptor, doc map[string]interface{}) (string, bool) {
	if desc.DerivedID == nil {
		return "", false
	}
	separator := desc.DerivedID.Separator
	if separator == "" {
		separator = keys.Separator
	}
	parts := make([]string, 0, len(desc.DerivedID.Fields))
	for _, name := range desc.DerivedID.Fields {
		text := stringify(doc[name])
		if text == "" {
			return "", false
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, separator), true
}

// uniqueChecksForCreate extracts the constrained values from the candidate
// document. A constraint whose field is absent cannot apply and is skipped.
func (builder *Builder) uniqueChecksForCreate(desc *schema.EntityDescriptor, doc map[string]interface{}) []UniqueCheck {
	var checks []UniqueCheck
	for _, constraint := range desc.Unique {
		values := make(map[string]string, len(constraint.Fields))
		complete := true
		for _, name := range constraint.Fields {
			text := stringify(doc[name])
			if text == "" {
				complete = false
				break
			}
			values[name] = text
		}
		if !complete {
			continue
		}
		checks = append(checks, UniqueCheck{
			Name:            constraint.Name,
			KeyPrefix:       keys.UniquePrefix(builder.Prefix, desc.Domain, desc.Collection, constraint.Name),
			Fields:          constraint.Fields,
			CaseInsensitive: constraint.CaseInsensitive,
			Values:          values,
		})
	}
	return checks
}

// uniqueChecksForPatch builds checks only for constraints actually touched by
// the patch, skipping constraints this patch cannot affect. Assigned fields
// carry their new value; constraint fields untouched by the patch are read
// from the stored entity by the executor.
func (builder *Builder) uniqueChecksForPatch(desc *schema.EntityDescriptor, touched map[string]bool, assigned map[string]string) []UniqueCheck {
	var checks []UniqueCheck
	for _, constraint := range desc.Unique {
		affected := false
		for _, name := range constraint.Fields {
			if touched[name] {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}
		values := make(map[string]string)
		for _, name := range constraint.Fields {
			if text, ok := assigned[name]; ok {
				values[name] = text
			}
		}
		checks = append(checks, UniqueCheck{
			Name:            constraint.Name,
			KeyPrefix:       keys.UniquePrefix(builder.Prefix, desc.Domain, desc.Collection, constraint.Name),
			Fields:          constraint.Fields,
			CaseInsensitive: constraint.CaseInsensitive,
			Values:          values,
		})
	}
	return checks
}

func (builder *Builder) attachIdempotency(plan *Plan, desc *schema.EntityDescriptor, key string, ttl time.Duration) {
	if key == "" || ttl <= 0 {
		return
	}
	plan.Idempotency = &IdempotencySpec{
		Key: keys.Idempotency(builder.Prefix, desc.Domain, desc.Collection, key),
		PX:  ttl.Milliseconds(),
	}
}

func rootField(path string) string {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", value)
}

func issueError(field, code, message string) error {
	return &validate.Error{Issues: []validate.Issue{{
		Field: field, Code: code, Message: message,
	}}}
}
