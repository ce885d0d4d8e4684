// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	NodeID        string `json:"nodeId"`
	LayoutVersion uint64 `json:"layoutVersion"`
	KnownPeers    int    `json:"knownPeers"`
}

func newNodeCmd() *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect a running node",
	}
	nodeCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print this node's identity, layout version and peer count",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp statusResponse
			if err := adminRequest(cmd, "GET", "/v1/status", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("node id:       %s\n", resp.NodeID)
			fmt.Printf("layout version: %d\n", resp.LayoutVersion)
			fmt.Printf("known peers:    %d\n", resp.KnownPeers)
			return nil
		},
	})
	return nodeCmd
}
