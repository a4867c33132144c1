// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package redisexec executes mutation plans against Redis. Every plan runs as
// a single Lua script invocation, so concurrent readers observe either the
// pre-plan or the post-plan state, never an intermediate one.
package redisexec

import (
	"context"
	"encoding/json"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/docmapper/docmap/kvstore/redis"
	"github.com/docmapper/docmap/mutation"
)

var (
	// Error is a plan execution error.
	Error = errs.Class("redisexec")

	mon = monkit.Package()
)

// Executor implements mutation.Executor on top of a Redis client.
type Executor struct {
	log    *zap.Logger
	client *redis.Client
	script *goredis.Script
}

// New returns an executor bound to the given client.
func New(log *zap.Logger, client *redis.Client) *Executor {
	return &Executor{
		log:    log,
		client: client,
		script: goredis.NewScript(planScript),
	}
}

type scriptError struct {
	Kind       string `json:"kind"`
	Key        string `json:"key"`
	Expected   uint64 `json:"expected"`
	Actual     uint64 `json:"actual"`
	Constraint string `json:"constraint"`
	Value      string `json:"value"`
}

type scriptReply struct {
	OK        bool                   `json:"ok"`
	Replayed  bool                   `json:"replayed"`
	Responses []mutation.RawResponse `json:"responses"`
	Err       *scriptError           `json:"err"`
}

// ExecutePlan runs every command of the plan in one atomic script
// invocation and returns the per-command results. A nil or empty plan is a
// no-op.
func (exec *Executor) ExecutePlan(ctx context.Context, plan *mutation.Plan) (_ []mutation.RawResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	if plan == nil || len(plan.Commands) == 0 {
		return nil, nil
	}

	encoded, err := json.Marshal(plan)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	raw, err := exec.client.RunScript(ctx, exec.script, []string{}, string(encoded))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, Error.New("unexpected script reply type %T", raw)
	}

	var reply scriptReply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, Error.New("undecodable script reply: %v", err)
	}

	if reply.Err != nil {
		return nil, exec.translate(reply.Err)
	}
	if reply.Replayed {
		exec.log.Debug("idempotent replay",
			zap.String("key", plan.Idempotency.Key),
			zap.Int("responses", len(reply.Responses)))
	}
	return reply.Responses, nil
}

// translate maps a structured script error onto the mutation error taxonomy.
func (exec *Executor) translate(scriptErr *scriptError) error {
	switch scriptErr.Kind {
	case "version_conflict":
		return &mutation.VersionConflictError{
			Key:      scriptErr.Key,
			Expected: scriptErr.Expected,
			Actual:   scriptErr.Actual,
		}
	case "not_found":
		return mutation.ErrNotFound.New("%s", scriptErr.Key)
	case "unique":
		return mutation.ErrUniqueConstraint.New("constraint %q holds value %q",
			scriptErr.Constraint, scriptErr.Value)
	default:
		return Error.New("script failed: %s", scriptErr.Kind)
	}
}
