// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type nodeRoleInfo struct {
	NodeID   string   `json:"nodeId"`
	Zone     string   `json:"zone"`
	Capacity uint64   `json:"capacity"`
	Tags     []string `json:"tags"`
}

type layoutResponse struct {
	Version      uint64         `json:"version"`
	Roles        []nodeRoleInfo `json:"roles"`
	StagingRoles []nodeRoleInfo `json:"stagingRoles"`
}

func printLayout(l layoutResponse) {
	fmt.Printf("layout version %d\n", l.Version)
	fmt.Println("committed roles:")
	for _, r := range l.Roles {
		fmt.Printf("  %s  zone=%s capacity=%d tags=%v\n", r.NodeID, r.Zone, r.Capacity, r.Tags)
	}
	if len(l.StagingRoles) > 0 {
		fmt.Println("staged roles (not yet applied):")
		for _, r := range l.StagingRoles {
			fmt.Printf("  %s  zone=%s capacity=%d tags=%v\n", r.NodeID, r.Zone, r.Capacity, r.Tags)
		}
	}
}

func newLayoutCmd() *cobra.Command {
	layoutCmd := &cobra.Command{
		Use:   "layout",
		Short: "Manage cluster layout (node roles and placement)",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the committed and staged cluster layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp layoutResponse
			if err := adminRequest(cmd, "GET", "/v1/layout", nil, &resp); err != nil {
				return err
			}
			printLayout(resp)
			return nil
		},
	}

	var zone string
	var tags []string
	var capacity uint64
	assignCmd := &cobra.Command{
		Use:   "assign <node-id-hex>",
		Short: "Stage a node's zone/capacity/tags for the next layout apply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"nodeId":   args[0],
				"zone":     zone,
				"capacity": capacity,
				"tags":     tags,
			}
			var resp layoutResponse
			if err := adminRequest(cmd, "POST", "/v1/layout", req, &resp); err != nil {
				return err
			}
			printLayout(resp)
			return nil
		},
	}
	assignCmd.Flags().StringVar(&zone, "zone", "", "availability zone this node belongs to")
	assignCmd.Flags().Uint64Var(&capacity, "capacity", 1, "relative data capacity weight")
	assignCmd.Flags().StringSliceVar(&tags, "tag", nil, "free-form placement tag (repeatable)")

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Commit every staged role into the live layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp layoutResponse
			if err := adminRequest(cmd, "POST", "/v1/layout/apply", nil, &resp); err != nil {
				return err
			}
			printLayout(resp)
			return nil
		},
	}

	layoutCmd.AddCommand(showCmd, assignCmd, applyCmd)
	return layoutCmd
}
