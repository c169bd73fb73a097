// Copyright 2026 Upflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the upflow CLI.
package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "upflow",
	Short: "Upflow - a chunked media upload pipeline",
	Long: `Upflow uploads large media files in chunks: parallel transfer with
rate limiting and adaptive compression, chunk-level deduplication,
integrity-checked assembly and a malware scan gate before the final
artifact is published.`,
	PersistentPreRun: loadConfiguration,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config_dir", ".", "Directory for configuration files")
}

// loadConfiguration reads the optional config file and wires env vars.
// Priority: explicit CLI flag > env (UPFLOW_*) > config file > default.
func loadConfiguration(cmd *cobra.Command, args []string) {
	viper.SetConfigName("upflow")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)

	viper.SetEnvPrefix("UPFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			log.Warn().Err(err).Msg("could not read configuration file")
		}
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
