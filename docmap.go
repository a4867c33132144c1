// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package docmap is an object-document mapper over Redis. Entities are JSON
// documents under structured keys, linked by set-shaped relation indexes and
// mutated through atomic, versioned plans.
package docmap

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/docmapper/docmap/keys"
	"github.com/docmapper/docmap/kvstore"
	"github.com/docmapper/docmap/kvstore/redis"
	"github.com/docmapper/docmap/mutation"
	"github.com/docmapper/docmap/redisexec"
	"github.com/docmapper/docmap/schema"
)

var (
	// Error is a docmap error.
	Error = errs.Class("docmap")

	mon = monkit.Package()
)

// Config configures a DB handle.
type Config struct {
	// Prefix namespaces every key this handle touches.
	Prefix string

	// MaxCascadeDepth bounds cascade resolution; zero means the default.
	MaxCascadeDepth int
}

// Entity is a decoded stored document.
type Entity struct {
	ID      string
	Version uint64
	Doc     map[string]interface{}
}

// DB is the high-level mapper handle exposed to builders, generated
// accessors and the CLI.
type DB struct {
	log      *zap.Logger
	config   Config
	registry *schema.Registry
	store    *redis.Client
	exec     mutation.Executor
	builder  *mutation.Builder
}

// Open returns a DB bound to the given Redis client with a fresh registry.
func Open(log *zap.Logger, client *redis.Client, config Config) *DB {
	registry := schema.NewRegistry()
	return &DB{
		log:      log,
		config:   config,
		registry: registry,
		store:    client,
		exec:     redisexec.New(log.Named("exec"), client),
		builder: &mutation.Builder{
			Registry:        registry,
			Prefix:          config.Prefix,
			MaxCascadeDepth: config.MaxCascadeDepth,
		},
	}
}

// Register registers an entity descriptor. Safe to call concurrently per
// type; the first registration wins.
func (db *DB) Register(desc *schema.EntityDescriptor) error {
	_, err := db.registry.RegisterIfAbsent(desc)
	return err
}

// Registry exposes the descriptor registry.
func (db *DB) Registry() *schema.Registry { return db.registry }

// CreateResult is the outcome of a create call.
type CreateResult struct {
	// ID is the committed entity id, which may differ from the payload's
	// when the descriptor derives ids from field values.
	ID        string
	Responses []mutation.RawResponse
}

// Create validates the payload, builds its plan (nested children first,
// then the entity, then relation mutations) and executes it atomically.
func (db *DB) Create(ctx context.Context, payload *mutation.Payload) (_ CreateResult, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, id, err := db.builder.BuildCreate(payload)
	if err != nil {
		return CreateResult{}, err
	}
	responses, err := db.exec.ExecutePlan(ctx, plan)
	if err != nil {
		return CreateResult{}, err
	}

	// on an idempotent replay the recorded responses carry the originally
	// committed id, which wins over the id generated for this attempt
	for i, command := range plan.Commands {
		if command.Kind != mutation.CommandUpsert || command.Upsert.EntityID != id {
			continue
		}
		if i < len(responses) {
			if committed := responses[i].EntityID(); committed != "" {
				id = committed
			}
		}
	}
	return CreateResult{ID: id, Responses: responses}, nil
}

// UpdatePatch applies a partial update atomically. A patch requesting no
// change returns immediately without a storage call.
func (db *DB) UpdatePatch(ctx context.Context, patch *mutation.Patch) (_ []mutation.RawResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, err := db.builder.BuildPatch(patch)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}
	return db.exec.ExecutePlan(ctx, plan)
}

// Delete removes an entity and everything its cascade policies reach, as one
// atomic unit. Deleting an absent entity is a silent success.
func (db *DB) Delete(ctx context.Context, domain, collection, id string, expectedVersion *uint64) (_ []mutation.RawResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, err := db.builder.BuildDelete(domain, collection, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return db.exec.ExecutePlan(ctx, plan)
}

// MutateRelations connects and disconnects related entities without touching
// document fields. Nothing to do yields no storage call.
func (db *DB) MutateRelations(ctx context.Context, domain, collection, leftID string, plans []mutation.RelationPlan) (_ []mutation.RawResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, err := db.builder.BuildRelations(domain, collection, leftID, plans)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}
	return db.exec.ExecutePlan(ctx, plan)
}

// UpsertOutcome reports which path an upsert took.
type UpsertOutcome string

// Upsert outcomes.
const (
	Created UpsertOutcome = "created"
	Updated UpsertOutcome = "updated"
)

// UpsertResult is the outcome of an upsert call.
type UpsertResult struct {
	Outcome   UpsertOutcome
	ID        string
	Responses []mutation.RawResponse
}

// Upsert creates the entity when the update patch's target is absent and
// patches it when present. The existence check and the chosen branch execute
// in the same atomic unit.
func (db *DB) Upsert(ctx context.Context, create *mutation.Payload, update *mutation.Patch) (_ UpsertResult, err error) {
	defer mon.Task()(&ctx)(&err)

	plan, createID, err := db.builder.BuildUpsert(create, update)
	if err != nil {
		return UpsertResult{}, err
	}
	responses, err := db.exec.ExecutePlan(ctx, plan)
	if err != nil {
		return UpsertResult{}, err
	}
	if len(responses) == 0 {
		return UpsertResult{}, Error.New("missing branch response")
	}

	branch := responses[0]
	result := UpsertResult{Responses: nestedResponses(branch)}
	if branch.Branch() == "created" {
		result.Outcome = Created
		result.ID = createID
	} else {
		result.Outcome = Updated
		result.ID = update.ID
	}
	return result, nil
}

// GetOrCreate creates the entity when absent and returns the stored one
// unchanged when present.
func (db *DB) GetOrCreate(ctx context.Context, create *mutation.Payload) (_ Entity, err error) {
	defer mon.Task()(&ctx)(&err)

	desc, ok := db.registry.Lookup(create.Domain, create.Collection)
	if !ok {
		return Entity{}, mutation.ErrUnregistered.New("%s.%s", create.Domain, create.Collection)
	}

	plan, id, err := db.builder.BuildGetOrCreate(create)
	if err != nil {
		return Entity{}, err
	}
	responses, err := db.exec.ExecutePlan(ctx, plan)
	if err != nil {
		return Entity{}, err
	}
	if len(responses) == 0 {
		return Entity{}, Error.New("missing branch response")
	}

	branch := responses[0]
	if branch.Branch() == "existing" {
		raw, _ := branch["doc"].(string)
		return decodeEntity(desc, id, []byte(raw))
	}

	entity := Entity{ID: id, Doc: create.Doc}
	for _, response := range nestedResponses(branch) {
		if response.EntityID() == id && response.Version() > 0 {
			entity.Version = response.Version()
		}
	}
	return entity, nil
}

// Get reads one entity back, including its server-assigned version.
func (db *DB) Get(ctx context.Context, domain, collection, id string) (_ Entity, err error) {
	defer mon.Task()(&ctx)(&err)

	desc, ok := db.registry.Lookup(domain, collection)
	if !ok {
		return Entity{}, mutation.ErrUnregistered.New("%s.%s", domain, collection)
	}

	key := keys.Entity(db.config.Prefix, domain, collection, id)
	value, err := db.store.Get(ctx, kvstore.Key(key))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return Entity{}, mutation.ErrNotFound.New("%s", key)
		}
		return Entity{}, Error.Wrap(err)
	}
	return decodeEntity(desc, id, value)
}

// RelatedIDs lists the forward relation set of one left-side entity.
func (db *DB) RelatedIDs(ctx context.Context, domain, alias, leftID string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.store.Members(ctx, kvstore.Key(keys.Relation(db.config.Prefix, domain, alias, leftID)))
}

// ReverseRelatedIDs lists the reverse relation set of one right-side entity.
func (db *DB) ReverseRelatedIDs(ctx context.Context, domain, alias, rightID string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.store.Members(ctx, kvstore.Key(keys.RelationReverse(db.config.Prefix, domain, alias, rightID)))
}

func decodeEntity(desc *schema.EntityDescriptor, fallbackID string, raw []byte) (Entity, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Entity{}, Error.New("undecodable document: %v", err)
	}

	entity := Entity{ID: fallbackID, Doc: doc}
	if id, ok := doc[desc.IDField].(string); ok && id != "" {
		entity.ID = id
	}
	if meta, ok := doc["_meta"].(map[string]interface{}); ok {
		if version, ok := meta["version"].(float64); ok {
			entity.Version = uint64(version)
		}
	}
	return entity, nil
}

func nestedResponses(branch mutation.RawResponse) []mutation.RawResponse {
	raw, _ := branch["responses"].([]interface{})
	responses := make([]mutation.RawResponse, 0, len(raw))
	for _, item := range raw {
		if fields, ok := item.(map[string]interface{}); ok {
			responses = append(responses, mutation.RawResponse(fields))
		}
	}
	return responses
}
