// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// docmap is the operational CLI: connectivity checks, search index creation
// and key statistics for a deployment.
package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/docmapper/docmap/kvstore/redis"
	"github.com/docmapper/docmap/pkg/process"
	"github.com/docmapper/docmap/searchindex"
)

var (
	rootCmd = &cobra.Command{
		Use:   "docmap",
		Short: "object-document mapper operations",
	}
	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "verify connectivity to the storage backend",
		RunE:  cmdPing,
	}
	ensureIndexCmd = &cobra.Command{
		Use:   "ensure-index",
		Short: "create a search index if absent",
		RunE:  cmdEnsureIndex,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "count stored keys per collection",
		RunE:  cmdStats,
	}

	indexFields []string
)

func init() {
	rootCmd.PersistentFlags().String("redis", "redis://127.0.0.1:6379", "redis address")
	rootCmd.PersistentFlags().String("prefix", "docmap", "key prefix of the deployment")
	rootCmd.PersistentFlags().Bool("log.development", false, "development logging")

	ensureIndexCmd.Flags().String("index.name", "", "name of the index")
	ensureIndexCmd.Flags().String("index.key-prefix", "", "document key prefix to index")
	ensureIndexCmd.Flags().StringArrayVar(&indexFields, "index.field", nil,
		"indexed field as path:type[:sortable], repeatable")

	rootCmd.AddCommand(pingCmd, ensureIndexCmd, statsCmd)
}

func openClient(ctx context.Context) (*redis.Client, error) {
	return redis.OpenClientFrom(ctx, viper.GetString("redis"))
}

func cmdPing(cmd *cobra.Command, args []string) error {
	log := process.Logger()
	defer func() { _ = log.Sync() }()

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	log.Info("connected", zap.String("redis", viper.GetString("redis")))
	return nil
}

func cmdEnsureIndex(cmd *cobra.Command, args []string) error {
	log := process.Logger()
	defer func() { _ = log.Sync() }()

	name, err := cmd.Flags().GetString("index.name")
	if err != nil {
		return err
	}
	keyPrefix, err := cmd.Flags().GetString("index.key-prefix")
	if err != nil {
		return err
	}
	if name == "" || keyPrefix == "" {
		return fmt.Errorf("ensure-index requires --index.name and --index.key-prefix")
	}

	definition := searchindex.Definition{Name: name, KeyPrefix: keyPrefix}
	for _, spec := range indexFields {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 {
			return fmt.Errorf("malformed --index.field %q", spec)
		}
		field := searchindex.Field{
			Path: parts[0],
			Type: searchindex.FieldType(strings.ToUpper(parts[1])),
		}
		if len(parts) > 2 && parts[2] == "sortable" {
			field.Sortable = true
		}
		definition.Fields = append(definition.Fields, field)
	}

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	search := searchindex.NewRedisearch(log.Named("searchindex"), client)
	if err := search.EnsureIndex(cmd.Context(), definition); err != nil {
		return err
	}
	log.Info("index ensured", zap.String("index", name))
	return nil
}

func cmdStats(cmd *cobra.Command, args []string) error {
	log := process.Logger()
	defer func() { _ = log.Sync() }()

	client, err := openClient(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	prefix := viper.GetString("prefix")
	counts := map[string]int{}

	iter := client.Underlying().Scan(cmd.Context(), 0, prefix+":*", 0).Iterator()
	for iter.Next(cmd.Context()) {
		segments := strings.SplitN(iter.Val(), ":", 4)
		if len(segments) < 3 {
			continue
		}
		counts[segments[1]+":"+segments[2]]++
	}
	if err := iter.Err(); err != nil {
		return err
	}

	groups := make([]string, 0, len(counts))
	for group := range counts {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	for _, group := range groups {
		fmt.Printf("%-40s %d\n", group, counts[group])
	}
	return nil
}

func main() {
	process.Exec(rootCmd)
}
