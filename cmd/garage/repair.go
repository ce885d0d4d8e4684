// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
)

var repairTargets = []string{"versions", "block-refs", "data-store", "scrub"}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "repair <target>",
		Short:     "Run one maintenance pass: versions, block-refs, data-store or scrub",
		Args:      cobra.ExactArgs(1),
		ValidArgs: repairTargets,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(cmd, "POST", "/v1/repair/"+args[0], nil, nil)
		},
	}
}
