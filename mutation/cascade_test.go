// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package mutation_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docmapper/docmap/mutation"
	"github.com/docmapper/docmap/schema"
)

func cascadeRegistry(t *testing.T, descs ...*schema.EntityDescriptor) *mutation.Builder {
	t.Helper()
	registry := schema.NewRegistry()
	for _, desc := range descs {
		_, err := registry.RegisterIfAbsent(desc)
		require.NoError(t, err)
	}
	return &mutation.Builder{Registry: registry, Prefix: "test"}
}

func simpleDesc(collection string, relations ...schema.RelationDescriptor) *schema.EntityDescriptor {
	return &schema.EntityDescriptor{
		Domain:     "app",
		Collection: collection,
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
		},
		Relations: relations,
	}
}

func TestCascadeChain(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("folders",
			schema.RelationDescriptor{Alias: "files", TargetCollection: "files", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
		simpleDesc("files",
			schema.RelationDescriptor{Alias: "annotations", TargetCollection: "annotations", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
		simpleDesc("annotations"),
	)

	plan, err := builder.BuildDelete("app", "folders", "f1", nil)
	require.NoError(t, err)

	cascade := plan.Commands[0].Delete.Cascade
	require.Len(t, cascade, 1)
	require.Equal(t, "files", cascade[0].Alias)
	require.Equal(t, "delete", cascade[0].Action)
	require.Equal(t, "test:app:files:", cascade[0].SetPrefix)
	require.Empty(t, cascade[0].MirrorPrefix)

	require.Len(t, cascade[0].Nested, 1)
	require.Equal(t, "annotations", cascade[0].Nested[0].Alias)
	require.Equal(t, "delete", cascade[0].Nested[0].Action)
}

func TestCascadeDetach(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("playlists",
			schema.RelationDescriptor{Alias: "tracks", TargetCollection: "tracks", Kind: schema.ManyToMany, Cascade: schema.CascadeDetach},
		),
		simpleDesc("tracks"),
	)

	plan, err := builder.BuildDelete("app", "playlists", "p1", nil)
	require.NoError(t, err)

	cascade := plan.Commands[0].Delete.Cascade
	require.Len(t, cascade, 1)
	require.Equal(t, "detach", cascade[0].Action)
	require.Equal(t, "test:app:tracks:", cascade[0].SetPrefix)
	// many-to-many keeps a reverse index to scrub on detach
	require.Equal(t, "test:app:tracks_reverse:", cascade[0].MirrorPrefix)
	require.Empty(t, cascade[0].TargetPrefix)
	require.Empty(t, cascade[0].Nested)
}

func TestCascadeNoneIsInert(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("projects",
			schema.RelationDescriptor{Alias: "tasks", TargetCollection: "tasks", Kind: schema.HasMany, Cascade: schema.CascadeNone},
		),
		simpleDesc("tasks"),
	)

	plan, err := builder.BuildDelete("app", "projects", "p1", nil)
	require.NoError(t, err)
	require.Empty(t, plan.Commands[0].Delete.Cascade)
}

func TestCascadeIncomingBelongsTo(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("posts"),
		&schema.EntityDescriptor{
			Domain:     "app",
			Collection: "comments",
			IDField:    "id",
			Fields: []schema.FieldDescriptor{
				{Name: "id", Kind: schema.String, Identifying: true},
				{Name: "post_id", Kind: schema.String, Optional: true},
			},
			Relations: []schema.RelationDescriptor{
				{Alias: "post", TargetCollection: "posts", Kind: schema.BelongsTo, Cascade: schema.CascadeDelete, ForeignKey: "post_id"},
			},
		},
	)

	// deleting a post walks its dependents through the reverse index of the
	// comments' forward relation
	plan, err := builder.BuildDelete("app", "posts", "post1", nil)
	require.NoError(t, err)

	cascade := plan.Commands[0].Delete.Cascade
	require.Len(t, cascade, 1)
	require.Equal(t, "post", cascade[0].Alias)
	require.Equal(t, "delete", cascade[0].Action)
	require.Equal(t, "test:app:post_reverse:", cascade[0].SetPrefix)
	require.Equal(t, "test:app:post:", cascade[0].MirrorPrefix)
	require.Equal(t, "test:app:comments:", cascade[0].TargetPrefix)

	// deleting a comment does not touch its post
	plan, err = builder.BuildDelete("app", "comments", "c1", nil)
	require.NoError(t, err)
	require.Empty(t, plan.Commands[0].Delete.Cascade)
}

func TestCascadeCycleDetected(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("a",
			schema.RelationDescriptor{Alias: "bs", TargetCollection: "b", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
		simpleDesc("b",
			schema.RelationDescriptor{Alias: "as", TargetCollection: "a", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
	)

	_, err := builder.BuildDelete("app", "a", "a1", nil)
	require.Error(t, err)
	require.True(t, mutation.ErrCycle.Has(err))
}

func TestCascadeSelfCycleDetected(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("nodes",
			schema.RelationDescriptor{Alias: "children", TargetCollection: "nodes", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
	)

	_, err := builder.BuildDelete("app", "nodes", "n1", nil)
	require.Error(t, err)
	require.True(t, mutation.ErrCycle.Has(err))
}

func TestCascadeDepthExceeded(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("l1", schema.RelationDescriptor{Alias: "next1", TargetCollection: "l2", Kind: schema.HasMany, Cascade: schema.CascadeDelete}),
		simpleDesc("l2", schema.RelationDescriptor{Alias: "next2", TargetCollection: "l3", Kind: schema.HasMany, Cascade: schema.CascadeDelete}),
		simpleDesc("l3", schema.RelationDescriptor{Alias: "next3", TargetCollection: "l4", Kind: schema.HasMany, Cascade: schema.CascadeDelete}),
		simpleDesc("l4"),
	)
	builder.MaxCascadeDepth = 2

	_, err := builder.BuildDelete("app", "l1", "x", nil)
	require.Error(t, err)
	require.True(t, mutation.ErrDepthExceeded.Has(err))

	builder.MaxCascadeDepth = 4
	_, err = builder.BuildDelete("app", "l1", "x", nil)
	require.NoError(t, err)
}

func TestCascadeUnregisteredTarget(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("orders",
			schema.RelationDescriptor{Alias: "lines", TargetCollection: "lines", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
	)

	_, err := builder.BuildDelete("app", "orders", "o1", nil)
	require.Error(t, err)
	require.True(t, mutation.ErrUnregistered.Has(err))
}

func TestRelationDeleteCarriesCascade(t *testing.T) {
	builder := cascadeRegistry(t,
		simpleDesc("folders",
			schema.RelationDescriptor{Alias: "files", TargetCollection: "files", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
		simpleDesc("files",
			schema.RelationDescriptor{Alias: "annotations", TargetCollection: "annotations", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		),
		simpleDesc("annotations"),
	)

	plan, err := builder.BuildRelations("app", "folders", "f1", []mutation.RelationPlan{
		{Alias: "files", Delete: []string{"file1"}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Commands, 1)

	command := plan.Commands[0].Relations
	require.Equal(t, "test:app:files:f1", command.SetKey)
	require.Equal(t, "test:app:files:", command.SetPrefix)
	require.Equal(t, []string{"file1"}, command.Delete)
	require.Equal(t, "test:app:files:", command.TargetPrefix)
	require.Len(t, command.TargetCasc, 1)
	require.Equal(t, "annotations", command.TargetCasc[0].Alias)
}
