// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package keys_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docmapper/docmap/keys"
)

func TestEntity(t *testing.T) {
	require.Equal(t, "app:core:folders:f1", keys.Entity("app", "core", "folders", "f1"))
	require.Equal(t, "app:core:folders:", keys.EntityPrefix("app", "core", "folders"))
}

func TestRelation(t *testing.T) {
	forward := keys.Relation("app", "core", "files", "f1")
	reverse := keys.RelationReverse("app", "core", "files", "f1")

	require.Equal(t, "app:core:files:f1", forward)
	require.Equal(t, "app:core:files_reverse:f1", reverse)
	require.NotEqual(t, forward, reverse)

	require.Equal(t, forward, keys.RelationPrefix("app", "core", "files")+"f1")
	require.Equal(t, reverse, keys.RelationReversePrefix("app", "core", "files")+"f1")
}

func TestDistinctCollectionsNeverCollide(t *testing.T) {
	a := keys.Entity("app", "core", "folders", "x")
	b := keys.Entity("app", "core", "files", "x")
	c := keys.Entity("app", "other", "folders", "x")
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
}

func TestBookkeepingKeys(t *testing.T) {
	require.Equal(t, "app:core:users:uniq:email:", keys.UniquePrefix("app", "core", "users", "email"))
	require.Equal(t, "app:core:users:idem:req-1", keys.Idempotency("app", "core", "users", "req-1"))
}

func TestNormalizeUnique(t *testing.T) {
	require.Equal(t, "Foo", keys.NormalizeUnique([]string{"Foo"}, false))
	require.Equal(t, "foo", keys.NormalizeUnique([]string{"Foo"}, true))

	compound := keys.NormalizeUnique([]string{"a", "b"}, false)
	require.NotEqual(t, keys.NormalizeUnique([]string{"ab"}, false), compound)
	require.NotEqual(t, keys.NormalizeUnique([]string{"a:b"}, false), compound)
}
