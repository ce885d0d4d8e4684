// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type bucketInfo struct {
	ID          string   `json:"id"`
	Aliases     []string `json:"aliases"`
	ObjectCount int64    `json:"objectCount"`
	BytesUsed   int64    `json:"bytesUsed"`
}

func newBucketCmd() *cobra.Command {
	bucketCmd := &cobra.Command{
		Use:   "bucket",
		Short: "Manage buckets",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every known bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			var buckets []bucketInfo
			if err := adminRequest(cmd, "GET", "/v1/bucket", nil, &buckets); err != nil {
				return err
			}
			for _, b := range buckets {
				fmt.Printf("%s  objects=%d bytes=%d aliases=%v\n", b.ID, b.ObjectCount, b.BytesUsed, b.Aliases)
			}
			return nil
		},
	}

	var alias string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new bucket, optionally with a global alias",
		RunE: func(cmd *cobra.Command, args []string) error {
			var b bucketInfo
			if err := adminRequest(cmd, "POST", "/v1/bucket", map[string]string{"globalAlias": alias}, &b); err != nil {
				return err
			}
			fmt.Printf("bucket id: %s\n", b.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&alias, "alias", "", "global alias to attach to the new bucket")

	infoCmd := &cobra.Command{
		Use:   "info <bucket-id>",
		Short: "Print one bucket's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b bucketInfo
			if err := adminRequest(cmd, "GET", "/v1/bucket/"+args[0], nil, &b); err != nil {
				return err
			}
			fmt.Printf("bucket id:    %s\n", b.ID)
			fmt.Printf("object count: %d\n", b.ObjectCount)
			fmt.Printf("bytes used:   %d\n", b.BytesUsed)
			fmt.Printf("aliases:      %v\n", b.Aliases)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <bucket-id>",
		Short: "Delete an empty bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(cmd, "DELETE", "/v1/bucket/"+args[0], nil, nil)
		},
	}

	var allowKeyID string
	var allowRead, allowWrite, allowOwner bool
	allowCmd := &cobra.Command{
		Use:   "allow <bucket-id>",
		Short: "Grant a key permissions on a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"bucketId": args[0],
				"keyId":    allowKeyID,
				"read":     allowRead,
				"write":    allowWrite,
				"owner":    allowOwner,
			}
			return adminRequest(cmd, "POST", "/v1/bucket/allow", req, nil)
		},
	}
	allowCmd.Flags().StringVar(&allowKeyID, "key", "", "key id to grant permissions to")
	allowCmd.Flags().BoolVar(&allowRead, "read", false, "grant read permission")
	allowCmd.Flags().BoolVar(&allowWrite, "write", false, "grant write permission")
	allowCmd.Flags().BoolVar(&allowOwner, "owner", false, "grant owner permission")

	bucketCmd.AddCommand(listCmd, createCmd, infoCmd, deleteCmd, allowCmd)
	return bucketCmd
}
