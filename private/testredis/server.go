// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package testredis starts an in-process Redis for tests.
package testredis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/docmapper/docmap/kvstore/redis"
	"github.com/docmapper/docmap/private/testcontext"
)

// Server is a started in-process Redis.
type Server struct {
	mini *miniredis.Miniredis
}

// Start launches a miniredis instance torn down with the test.
func Start(t testing.TB) *Server {
	t.Helper()

	mini := miniredis.RunT(t)
	return &Server{mini: mini}
}

// Addr returns the server's listen address.
func (server *Server) Addr() string {
	return server.mini.Addr()
}

// FastForward advances the server's clock, expiring TTL-bound keys.
func (server *Server) FastForward(d time.Duration) {
	server.mini.FastForward(d)
}

// OpenClient connects a client to the server, closing it with the context's
// cleanup.
func (server *Server) OpenClient(t testing.TB, ctx *testcontext.Context) *redis.Client {
	t.Helper()

	client, err := redis.OpenClient(ctx, server.Addr(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
