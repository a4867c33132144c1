// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package searchindex

import (
	"context"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/docmapper/docmap/kvstore/redis"
)

var mon = monkit.Package()

// Redisearch implements Service against the RediSearch module.
type Redisearch struct {
	log    *zap.Logger
	client *redis.Client
}

// NewRedisearch returns a RediSearch-backed index service.
func NewRedisearch(log *zap.Logger, client *redis.Client) *Redisearch {
	return &Redisearch{log: log, client: client}
}

// EnsureIndex creates the index if absent. An already-existing index is a
// success.
func (search *Redisearch) EnsureIndex(ctx context.Context, definition Definition) (err error) {
	defer mon.Task()(&ctx)(&err)

	args := []interface{}{
		"FT.CREATE", definition.Name,
		"ON", "JSON",
		"PREFIX", "1", definition.KeyPrefix,
		"SCHEMA",
	}
	for _, field := range definition.Fields {
		name := field.As
		if name == "" {
			name = field.Path
		}
		args = append(args, "$."+field.Path, "AS", name, string(field.Type))
		if field.Sortable {
			args = append(args, "SORTABLE")
		}
	}

	err = search.client.Underlying().Do(ctx, args...).Err()
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			search.log.Debug("index already exists", zap.String("index", definition.Name))
			return nil
		}
		return Error.Wrap(err)
	}
	return nil
}

// Query runs FT.SEARCH and returns one page of matching document keys.
func (search *Redisearch) Query(ctx context.Context, index, query string, offset, limit int64) (_ Result, err error) {
	defer mon.Task()(&ctx)(&err)

	reply, err := search.client.Underlying().Do(ctx,
		"FT.SEARCH", index, query,
		"NOCONTENT",
		"LIMIT", strconv.FormatInt(offset, 10), strconv.FormatInt(limit, 10),
	).Result()
	if err != nil {
		return Result{}, Error.Wrap(err)
	}

	items, ok := reply.([]interface{})
	if !ok || len(items) == 0 {
		return Result{}, Error.New("unexpected search reply type %T", reply)
	}

	result := Result{}
	switch total := items[0].(type) {
	case int64:
		result.Total = total
	case float64:
		result.Total = int64(total)
	default:
		return Result{}, Error.New("unexpected total type %T", items[0])
	}
	for _, item := range items[1:] {
		if key, ok := item.(string); ok {
			result.Keys = append(result.Keys, key)
		}
	}
	return result, nil
}
