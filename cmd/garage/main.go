// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

// Command garage runs the cluster node process and its local
// administration CLI, thinly wrapping pkg/garagenode and pkg/adminapi.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "garage:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "garage",
		Short: "Geo-distributed S3-compatible object storage",
	}

	root.PersistentFlags().String("config", "", "path to a garage.toml config file")
	root.PersistentFlags().String("admin-addr", "127.0.0.1:3903", "address of a running node's admin API")
	root.PersistentFlags().String("log-level", "info", "zap log level (debug, info, warn, error)")

	root.AddCommand(newServerCmd())
	root.AddCommand(newNodeCmd())
	root.AddCommand(newLayoutCmd())
	root.AddCommand(newKeyCmd())
	root.AddCommand(newBucketCmd())
	root.AddCommand(newRepairCmd())

	return root
}
