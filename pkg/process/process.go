// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

// Package process wires command execution: flag/environment binding through
// viper and process-wide logging through zap.
package process

import (
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is a process error.
var Error = errs.Class("process")

// Exec binds the command tree's flags to the DOCMAP_* environment and runs
// it.
func Exec(cmd *cobra.Command) {
	viper.SetEnvPrefix("docmap")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	cobra.OnInitialize(func() {
		if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
			log.Fatal(Error.Wrap(err))
		}
	})

	Must(cmd.Execute())
}

// Logger builds the process logger, honoring the log.development flag bound
// through viper.
func Logger() *zap.Logger {
	logger, err := NewLogger(viper.GetBool("log.development"))
	if err != nil {
		log.Fatal(Error.Wrap(err))
	}
	return logger
}

// Must can be used for default error handling.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
