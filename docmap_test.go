// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package docmap_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/docmapper/docmap"
	"github.com/docmapper/docmap/mutation"
	"github.com/docmapper/docmap/private/testcontext"
	"github.com/docmapper/docmap/private/testredis"
	"github.com/docmapper/docmap/schema"
)

func openDB(t *testing.T) (*testcontext.Context, *docmap.DB) {
	ctx := testcontext.New(t)
	t.Cleanup(ctx.Cleanup)

	server := testredis.Start(t)
	client := server.OpenClient(t, ctx)
	db := docmap.Open(zaptest.NewLogger(t), client, docmap.Config{Prefix: "test"})

	register := func(desc *schema.EntityDescriptor) {
		require.NoError(t, db.Register(desc))
	}

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "folders",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "name", Kind: schema.String},
			{Name: "updated_at", Kind: schema.DateTime, AutoUpdated: true},
		},
		Relations: []schema.RelationDescriptor{
			{Alias: "files", TargetCollection: "files", Kind: schema.HasMany, Cascade: schema.CascadeDelete},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "files",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "name", Kind: schema.String},
			{Name: "folder_id", Kind: schema.String, Optional: true},
		},
		Relations: []schema.RelationDescriptor{
			{Alias: "folder", TargetCollection: "folders", Kind: schema.BelongsTo, ForeignKey: "folder_id"},
		},
		Unique: []schema.UniqueConstraint{
			{Name: "name", Fields: []string{"name"}},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "posts",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "title", Kind: schema.String},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "comments",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "body", Kind: schema.String},
			{Name: "post_id", Kind: schema.String, Optional: true},
		},
		Relations: []schema.RelationDescriptor{
			{Alias: "post", TargetCollection: "posts", Kind: schema.BelongsTo, Cascade: schema.CascadeDelete, ForeignKey: "post_id"},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "playlists",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "title", Kind: schema.String},
		},
		Relations: []schema.RelationDescriptor{
			{Alias: "tracks", TargetCollection: "tracks", Kind: schema.ManyToMany, Cascade: schema.CascadeDetach},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "tracks",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "title", Kind: schema.String},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "groups",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "name", Kind: schema.String},
		},
		Relations: []schema.RelationDescriptor{
			{Alias: "members", TargetCollection: "users", Kind: schema.ManyToMany, Cascade: schema.CascadeDelete},
		},
	})

	register(&schema.EntityDescriptor{
		Domain:     "app",
		Collection: "users",
		IDField:    "id",
		Fields: []schema.FieldDescriptor{
			{Name: "id", Kind: schema.String, Identifying: true},
			{Name: "name", Kind: schema.String},
		},
	})

	return ctx, db
}

// seedSharedMember links one user into two groups over the same many-to-many
// relation.
func seedSharedMember(t *testing.T, ctx *testcontext.Context, db *docmap.DB) {
	t.Helper()

	for _, id := range []string{"g1", "g2"} {
		_, err := db.Create(ctx, &mutation.Payload{
			Domain: "app", Collection: "groups", ID: id,
			Doc: map[string]interface{}{"name": id},
		})
		require.NoError(t, err)
	}
	_, err := db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "users", ID: "u1",
		Doc: map[string]interface{}{"name": "Ada"},
	})
	require.NoError(t, err)

	for _, id := range []string{"g1", "g2"} {
		_, err = db.MutateRelations(ctx, "app", "groups", id, []mutation.RelationPlan{
			{Alias: "members", Add: []string{"u1"}},
		})
		require.NoError(t, err)
	}

	reverse, err := db.ReverseRelatedIDs(ctx, "app", "members", "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"g1", "g2"}, reverse)
}

func TestCreateAndGet(t *testing.T) {
	ctx, db := openDB(t)

	result, err := db.Create(ctx, &mutation.Payload{
		Domain:     "app",
		Collection: "folders",
		Doc:        map[string]interface{}{"name": "Inbox"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.ID)

	entity, err := db.Get(ctx, "app", "folders", result.ID)
	require.NoError(t, err)
	require.Equal(t, result.ID, entity.ID)
	require.EqualValues(t, 1, entity.Version)
	require.Equal(t, "Inbox", entity.Doc["name"])
	require.Contains(t, entity.Doc, "updated_at")

	_, err = db.Get(ctx, "app", "folders", "ghost")
	require.Error(t, err)
	require.True(t, mutation.ErrNotFound.Has(err))
}

func TestCreateNestedAndCascadeDelete(t *testing.T) {
	ctx, db := openDB(t)

	result, err := db.Create(ctx, &mutation.Payload{
		Domain:     "app",
		Collection: "folders",
		ID:         "f1",
		Doc:        map[string]interface{}{"name": "Projects"},
		Nested: []mutation.NestedMutation{
			{Alias: "files", Payload: &mutation.Payload{
				ID: "file1", Doc: map[string]interface{}{"name": "plan.txt"},
			}},
			{Alias: "files", Payload: &mutation.Payload{
				ID: "file2", Doc: map[string]interface{}{"name": "notes.txt"},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "f1", result.ID)

	related, err := db.RelatedIDs(ctx, "app", "files", "f1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"file1", "file2"}, related)

	file, err := db.Get(ctx, "app", "files", "file1")
	require.NoError(t, err)
	require.Equal(t, "f1", file.Doc["folder_id"])

	// deleting the folder erases both files, their relation set and their
	// unique claims in the same atomic unit
	responses, err := db.Delete(ctx, "app", "folders", "f1", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, responses[0]["deleted"])

	for _, id := range []string{"file1", "file2"} {
		_, err = db.Get(ctx, "app", "files", id)
		require.True(t, mutation.ErrNotFound.Has(err))
	}

	related, err = db.RelatedIDs(ctx, "app", "files", "f1")
	require.NoError(t, err)
	require.Empty(t, related)

	// the freed unique values are claimable again
	_, err = db.Create(ctx, &mutation.Payload{
		Domain:     "app",
		Collection: "files",
		Doc:        map[string]interface{}{"name": "plan.txt"},
	})
	require.NoError(t, err)
}

func TestIncomingBelongsToCascade(t *testing.T) {
	ctx, db := openDB(t)

	_, err := db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "posts", ID: "p1",
		Doc: map[string]interface{}{"title": "Hello"},
	})
	require.NoError(t, err)

	_, err = db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "comments", ID: "c1",
		Doc:       map[string]interface{}{"body": "First"},
		Relations: []mutation.RelationPlan{{Alias: "post", Add: []string{"p1"}}},
	})
	require.NoError(t, err)

	// the BelongsTo connection is indexed from both sides
	reverse, err := db.ReverseRelatedIDs(ctx, "app", "post", "p1")
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, reverse)

	// deleting the post walks its dependents through the reverse index
	_, err = db.Delete(ctx, "app", "posts", "p1", nil)
	require.NoError(t, err)

	_, err = db.Get(ctx, "app", "comments", "c1")
	require.True(t, mutation.ErrNotFound.Has(err))

	forward, err := db.RelatedIDs(ctx, "app", "post", "c1")
	require.NoError(t, err)
	require.Empty(t, forward)
}

func TestDetachKeepsTargets(t *testing.T) {
	ctx, db := openDB(t)

	_, err := db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "playlists", ID: "pl1",
		Doc: map[string]interface{}{"title": "Morning"},
	})
	require.NoError(t, err)
	_, err = db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "tracks", ID: "t1",
		Doc: map[string]interface{}{"title": "Sunrise"},
	})
	require.NoError(t, err)

	_, err = db.MutateRelations(ctx, "app", "playlists", "pl1", []mutation.RelationPlan{
		{Alias: "tracks", Add: []string{"t1"}},
	})
	require.NoError(t, err)

	reverse, err := db.ReverseRelatedIDs(ctx, "app", "tracks", "t1")
	require.NoError(t, err)
	require.Equal(t, []string{"pl1"}, reverse)

	_, err = db.Delete(ctx, "app", "playlists", "pl1", nil)
	require.NoError(t, err)

	// the track survives, the membership is scrubbed on both sides
	_, err = db.Get(ctx, "app", "tracks", "t1")
	require.NoError(t, err)

	reverse, err = db.ReverseRelatedIDs(ctx, "app", "tracks", "t1")
	require.NoError(t, err)
	require.Empty(t, reverse)
}

func TestManyToManyCascadeDeleteScrubsOtherOwners(t *testing.T) {
	ctx, db := openDB(t)
	seedSharedMember(t, ctx, db)

	// deleting one group erases the shared member and its membership
	// everywhere, including the surviving group's forward set
	_, err := db.Delete(ctx, "app", "groups", "g1", nil)
	require.NoError(t, err)

	_, err = db.Get(ctx, "app", "users", "u1")
	require.True(t, mutation.ErrNotFound.Has(err))

	related, err := db.RelatedIDs(ctx, "app", "members", "g2")
	require.NoError(t, err)
	require.Empty(t, related)

	reverse, err := db.ReverseRelatedIDs(ctx, "app", "members", "u1")
	require.NoError(t, err)
	require.Empty(t, reverse)

	// the surviving group itself is untouched
	_, err = db.Get(ctx, "app", "groups", "g2")
	require.NoError(t, err)
}

func TestRelationDeleteScrubsReverseIndex(t *testing.T) {
	ctx, db := openDB(t)
	seedSharedMember(t, ctx, db)

	// a relation-level delete of the shared member leaves no bookkeeping
	// behind on either side
	_, err := db.MutateRelations(ctx, "app", "groups", "g1", []mutation.RelationPlan{
		{Alias: "members", Delete: []string{"u1"}},
	})
	require.NoError(t, err)

	_, err = db.Get(ctx, "app", "users", "u1")
	require.True(t, mutation.ErrNotFound.Has(err))

	for _, group := range []string{"g1", "g2"} {
		related, err := db.RelatedIDs(ctx, "app", "members", group)
		require.NoError(t, err)
		require.Empty(t, related, group)
	}

	reverse, err := db.ReverseRelatedIDs(ctx, "app", "members", "u1")
	require.NoError(t, err)
	require.Empty(t, reverse)
}

func TestUpdatePatchVersioning(t *testing.T) {
	ctx, db := openDB(t)

	result, err := db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "folders", ID: "f1",
		Doc: map[string]interface{}{"name": "Inbox"},
	})
	require.NoError(t, err)

	expected := result.Responses[0].Version()
	_, err = db.UpdatePatch(ctx, &mutation.Patch{
		Domain: "app", Collection: "folders", ID: "f1",
		ExpectedVersion: &expected,
		Ops:             []mutation.PatchOperation{{Path: "name", Kind: mutation.OpAssign, Value: "Archive"}},
	})
	require.NoError(t, err)

	entity, err := db.Get(ctx, "app", "folders", "f1")
	require.NoError(t, err)
	require.EqualValues(t, 2, entity.Version)
	require.Equal(t, "Archive", entity.Doc["name"])

	// the stale precondition loses
	_, err = db.UpdatePatch(ctx, &mutation.Patch{
		Domain: "app", Collection: "folders", ID: "f1",
		ExpectedVersion: &expected,
		Ops:             []mutation.PatchOperation{{Path: "name", Kind: mutation.OpAssign, Value: "Trash"}},
	})
	require.Error(t, err)

	var conflict *mutation.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	require.EqualValues(t, 1, conflict.Expected)
	require.EqualValues(t, 2, conflict.Actual)

	// a patch requesting nothing performs no storage call
	responses, err := db.UpdatePatch(ctx, &mutation.Patch{
		Domain: "app", Collection: "folders", ID: "f1",
	})
	require.NoError(t, err)
	require.Nil(t, responses)
}

func TestDeleteAbsentIsSilent(t *testing.T) {
	ctx, db := openDB(t)

	responses, err := db.Delete(ctx, "app", "posts", "ghost", nil)
	require.NoError(t, err)
	require.Equal(t, false, responses[0]["existed"])
}

func TestUniqueConstraintAcrossCalls(t *testing.T) {
	ctx, db := openDB(t)

	_, err := db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "files",
		Doc: map[string]interface{}{"name": "report.pdf"},
	})
	require.NoError(t, err)

	_, err = db.Create(ctx, &mutation.Payload{
		Domain: "app", Collection: "files",
		Doc: map[string]interface{}{"name": "report.pdf"},
	})
	require.Error(t, err)
	require.True(t, mutation.ErrUniqueConstraint.Has(err))
}

func TestUpsertOutcomes(t *testing.T) {
	ctx, db := openDB(t)

	upsert := func(title string) docmap.UpsertResult {
		result, err := db.Upsert(ctx,
			&mutation.Payload{
				Domain: "app", Collection: "posts", ID: "p1",
				Doc: map[string]interface{}{"title": title},
			},
			&mutation.Patch{
				Domain: "app", Collection: "posts", ID: "p1",
				Ops: []mutation.PatchOperation{{Path: "title", Kind: mutation.OpAssign, Value: title}},
			},
		)
		require.NoError(t, err)
		return result
	}

	result := upsert("Hello")
	require.Equal(t, docmap.Created, result.Outcome)
	require.Equal(t, "p1", result.ID)

	result = upsert("Hello again")
	require.Equal(t, docmap.Updated, result.Outcome)

	entity, err := db.Get(ctx, "app", "posts", "p1")
	require.NoError(t, err)
	require.Equal(t, "Hello again", entity.Doc["title"])
	require.EqualValues(t, 2, entity.Version)
}

func TestGetOrCreate(t *testing.T) {
	ctx, db := openDB(t)

	first, err := db.GetOrCreate(ctx, &mutation.Payload{
		Domain: "app", Collection: "posts", ID: "p1",
		Doc: map[string]interface{}{"title": "Original"},
	})
	require.NoError(t, err)
	require.Equal(t, "p1", first.ID)
	require.EqualValues(t, 1, first.Version)

	// the second call returns the stored entity untouched
	second, err := db.GetOrCreate(ctx, &mutation.Payload{
		Domain: "app", Collection: "posts", ID: "p1",
		Doc: map[string]interface{}{"title": "Discarded"},
	})
	require.NoError(t, err)
	require.Equal(t, "p1", second.ID)
	require.EqualValues(t, 1, second.Version)
	require.Equal(t, "Original", second.Doc["title"])
}

func TestCreateIdempotentReplay(t *testing.T) {
	ctx, db := openDB(t)

	create := func() docmap.CreateResult {
		result, err := db.Create(ctx, &mutation.Payload{
			Domain: "app", Collection: "posts",
			Doc:            map[string]interface{}{"title": "Once"},
			IdempotencyKey: "req-42",
			IdempotencyTTL: time.Minute,
		})
		require.NoError(t, err)
		return result
	}

	first := create()
	second := create()

	// the replay reports the originally committed entity, not a new one
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.Responses[0].Version(), second.Responses[0].Version())

	entity, err := db.Get(ctx, "app", "posts", first.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, entity.Version)
}
