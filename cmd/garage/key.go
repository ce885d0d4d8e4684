// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type keyInfo struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Secret            string `json:"secret,omitempty"`
	AllowCreateBucket bool   `json:"allowCreateBucket"`
}

func newKeyCmd() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every known API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			var keys []keyInfo
			if err := adminRequest(cmd, "GET", "/v1/key", nil, &keys); err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Printf("%s  %s\n", k.ID, k.Name)
			}
			return nil
		},
	}

	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key with a fresh random id and secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			var k keyInfo
			if err := adminRequest(cmd, "POST", "/v1/key", map[string]string{"name": name}, &k); err != nil {
				return err
			}
			fmt.Printf("key id:     %s\n", k.ID)
			fmt.Printf("secret key: %s\n", k.Secret)
			return nil
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "human-readable label for the key")

	var importSecret string
	var importName string
	importCmd := &cobra.Command{
		Use:   "import <key-id>",
		Short: "Register an operator-chosen key id/secret pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{
				"accessKeyId":     args[0],
				"secretAccessKey": importSecret,
				"name":            importName,
			}
			var k keyInfo
			return adminRequest(cmd, "POST", "/v1/key/import", req, &k)
		},
	}
	importCmd.Flags().StringVar(&importSecret, "secret", "", "64 hex character secret key")
	importCmd.Flags().StringVar(&importName, "name", "", "human-readable label for the key")

	infoCmd := &cobra.Command{
		Use:   "info <key-id>",
		Short: "Print one key's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var k keyInfo
			if err := adminRequest(cmd, "GET", "/v1/key/"+args[0], nil, &k); err != nil {
				return err
			}
			fmt.Printf("key id:              %s\n", k.ID)
			fmt.Printf("name:                %s\n", k.Name)
			fmt.Printf("allow create bucket: %v\n", k.AllowCreateBucket)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Tombstone a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminRequest(cmd, "DELETE", "/v1/key/"+args[0], nil, nil)
		},
	}

	keyCmd.AddCommand(listCmd, createCmd, importCmd, infoCmd, deleteCmd)
	return keyCmd
}
