// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package keys derives the storage keys for entities, relation sets and the
// executor's bookkeeping structures. All functions are pure and deterministic;
// keys for distinct inputs never collide because every segment is delimited
// and the caller never embeds the separator in domain, collection or alias
// names.
package keys

import (
	"strings"
)

// Separator delimits key segments.
const Separator = ":"

// ReverseSuffix is appended to a relation alias for the reverse-indexed set,
// so forward and reverse sets for the same logical relation never collide.
const ReverseSuffix = "_reverse"

// unitSeparator joins the values of a compound unique constraint. It cannot
// occur in JSON scalar text fields that arrive through the validators.
const unitSeparator = "\x1f"

// Entity returns the key of the JSON document for one entity instance.
func Entity(prefix, domain, collection, id string) string {
	return join(prefix, domain, collection, id)
}

// EntityPrefix returns the key prefix shared by every entity of a collection,
// including the trailing separator.
func EntityPrefix(prefix, domain, collection string) string {
	return join(prefix, domain, collection) + Separator
}

// Relation returns the key of the forward relation set for one left-side id.
func Relation(prefix, domain, alias, leftID string) string {
	return join(prefix, domain, alias, leftID)
}

// RelationPrefix returns the forward relation key prefix, including the
// trailing separator.
func RelationPrefix(prefix, domain, alias string) string {
	return join(prefix, domain, alias) + Separator
}

// RelationReverse returns the key of the reverse relation set for one
// right-side id.
func RelationReverse(prefix, domain, alias, rightID string) string {
	return join(prefix, domain, alias+ReverseSuffix, rightID)
}

// RelationReversePrefix returns the reverse relation key prefix, including
// the trailing separator.
func RelationReversePrefix(prefix, domain, alias string) string {
	return join(prefix, domain, alias+ReverseSuffix) + Separator
}

// UniquePrefix returns the key prefix for one unique constraint's
// bookkeeping entries, including the trailing separator. The normalized
// value tuple is appended by the executor.
func UniquePrefix(prefix, domain, collection, constraint string) string {
	return join(prefix, domain, collection, "uniq", constraint) + Separator
}

// Idempotency returns the key recording a mutation's response for replay
// deduplication.
func Idempotency(prefix, domain, collection, key string) string {
	return join(prefix, domain, collection, "idem", key)
}

// NormalizeUnique joins constraint values into the normalized tuple stored in
// a unique bookkeeping key.
func NormalizeUnique(values []string, caseInsensitive bool) string {
	norm := strings.Join(values, unitSeparator)
	if caseInsensitive {
		norm = strings.ToLower(norm)
	}
	return norm
}

func join(segments ...string) string {
	return strings.Join(segments, Separator)
}
