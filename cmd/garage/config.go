// Copyright (C) 2024 Garage Authors.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"deuxfleurs.fr/garage/pkg/garagenode"
)

func loadConfig(cmd *cobra.Command) (garagenode.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("garage")
	v.AutomaticEnv()

	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return garagenode.Config{}, err
		}
	}

	cfg, err := garagenode.Load(v)
	if err != nil {
		return garagenode.Config{}, err
	}
	return cfg, cfg.Validate()
}

func buildLogger(cmd *cobra.Command) (*zap.Logger, error) {
	levelStr, _ := cmd.Flags().GetString("log-level")
	var level zapcore.Level
	if err := level.Set(levelStr); err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
