// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package searchindex maintains the queryable secondary indexes over stored
// documents. It is a collaborator of the mutation engine, never invoked
// inline with entity writes: index maintenance is implicit in storing
// documents at indexed paths.
package searchindex

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is a search index error.
var Error = errs.Class("searchindex")

// FieldType is the index type of one document path.
type FieldType string

// Index field types.
const (
	Text    FieldType = "TEXT"
	Tag     FieldType = "TAG"
	Numeric FieldType = "NUMERIC"
)

// Field maps one document path into the index.
type Field struct {
	Path     string
	As       string
	Type     FieldType
	Sortable bool
}

// Definition declares one index over a collection's key prefix.
type Definition struct {
	Name      string
	KeyPrefix string
	Fields    []Field
}

// Result is one page of index hits.
type Result struct {
	Total int64
	Keys  []string
}

// Service is the index collaborator consumed by callers of the mapper.
type Service interface {
	// EnsureIndex creates the index if absent. Idempotent.
	EnsureIndex(ctx context.Context, definition Definition) error

	// Query runs a search query and returns one page of matching keys.
	Query(ctx context.Context, index, query string, offset, limit int64) (Result, error)
}
