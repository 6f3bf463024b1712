// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quarry-dev/quarry/internal/config"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// skipConfig marks commands that run without reading configuration.
const skipConfig = "quarry/skip-config"

// cliContext carries the per-invocation configuration state shared by all
// subcommands. Each root command owns its own Viper instance.
type cliContext struct {
	v          *viper.Viper
	configFile string
}

// NewRootCmd creates the root quarry command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	cc := &cliContext{v: viper.New()}

	root := &cobra.Command{
		Use:           "quarry",
		Short:         "Quarry: question answering over your documents",
		Long:          "Quarry indexes documents per tenant and answers questions about them with cited passages.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] != "" {
				return nil
			}
			return cc.initViper(cmd)
		},
	}

	// Global flags. These map to viper keys in initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("env-file", "", "load environment variables from this file (default .env when present)")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(cc),
		newIngestCmd(cc),
		newAskCmd(cc),
		newChatCmd(cc),
		newStatusCmd(cc),
		newMCPCmd(cc),
		newSecretCmd(),
		newConfigCmd(cc),
		newDoctorCmd(cc),
		newVersionCmd(),
	)

	return root
}

// initViper sets up Viper with defaults, env bindings, flag bindings, and
// the config file so the standard precedence (flag > env > file > defaults)
// is handled uniformly.
func (cc *cliContext) initViper(cmd *cobra.Command) error {
	if err := loadEnvFile(cmd); err != nil {
		return err
	}

	v := cc.v
	config.SetDefaults(v)
	config.SetupEnv(v)

	cfgFile, _ := cmd.Flags().GetString("config")
	used, err := config.ReadInto(v, cfgFile, true)
	if err != nil {
		return err
	}
	cc.configFile = used
	config.WarnInsecurePermissions(used)

	flags := cmd.Root().PersistentFlags()
	if f := flags.Lookup("data-dir"); f.Changed {
		if err := v.BindPFlag("storage.data_dir", f); err != nil {
			return quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
		}
	}
	if err := v.BindPFlag("verbose", flags.Lookup("verbose")); err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}
	return nil
}

// loadEnvFile loads --env-file, or ./.env when it exists. Variables already
// set in the environment win.
func loadEnvFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("env-file")
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "loading env file %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env file", "error", err)
	}
	return nil
}

// load decodes the configuration, resolves keyring references and installs
// the configured logger.
func (cc *cliContext) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromViper(cc.v, config.WithSecrets(secretStoreFactory()))
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if cc.v.GetBool("verbose") {
		level = "debug"
	}
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), level, cfg.Logging.Format))
	return cfg, nil
}
