// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quarry-dev/quarry/internal/config"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func newConfigCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			Long:  "Print the configuration after defaults, the config file, QUARRY_* variables and flags are applied.",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := cc.load(cmd)
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cfg.Redacted()); err != nil {
					return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "encoding config: %w", err)
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config file in use",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path := cc.configFile
				if path == "" {
					def, err := config.DefaultConfigPath()
					if err != nil {
						return err
					}
					_, err = fmt.Fprintf(cmd.OutOrStdout(), "no config file found; defaults apply (expected at %s)\n", def)
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and report every problem",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := cc.load(cmd); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return err
			},
		},
	)

	return cmd
}
