// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deuxfleurs.fr/garage/pkg/adminapi"
	"deuxfleurs.fr/garage/pkg/garagenode"
)

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run this machine's cluster node and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := buildLogger(cmd)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			node, err := garagenode.New(log, cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			admin := adminapi.New(log, node)

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error { return node.Run(gctx) })
			group.Go(func() error { return admin.Run(gctx, cfg.AdminBindAddr) })
			return group.Wait()
		},
	}
}
