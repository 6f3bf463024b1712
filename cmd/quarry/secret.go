// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"bufio"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/secrets"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store, show, list and delete secrets kept under the quarry service in the operating system keyring. " +
			"Reference them from the config as keyring://quarry/<name>.",
		Annotations: map[string]string{skipConfig: "true"},
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretListCmd(),
		newSecretDeleteCmd(),
	)
	for _, sub := range cmd.Commands() {
		sub.Annotations = map[string]string{skipConfig: "true"}
	}

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set [name] [value]",
		Short: "Store a secret (value read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(2),
		RunE:  runSecretSet,
	}
	cmd.Flags().String("provider", "", "store the API key of this provider under its standard name")
	cmd.Flags().Bool("validate", false, "check a provider key against the provider API before storing it")
	return cmd
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a secret, masked unless --reveal is given",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}
	cmd.Flags().Bool("reveal", false, "print the secret in full")
	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	providerName, _ := cmd.Flags().GetString("provider")
	validate, _ := cmd.Flags().GetBool("validate")

	var name, value string
	switch {
	case providerName != "":
		if !slices.Contains(config.KnownProviders, providerName) {
			return quarryerr.Errorf(quarryerr.CodeCLIInputInvalid, "unknown provider %q (known: %s)",
				providerName, strings.Join(config.KnownProviders, ", "))
		}
		name = secrets.ProviderKey(providerName)
		if len(args) > 1 {
			return quarryerr.New(quarryerr.CodeCLIInputInvalid, "with --provider, pass at most the value")
		}
		if len(args) == 1 {
			value = args[0]
		}
	case len(args) == 0:
		return quarryerr.New(quarryerr.CodeCLIInputInvalid, "secret name is required (or use --provider)")
	default:
		name = args[0]
		if len(args) == 2 {
			value = args[1]
		}
	}
	if validate && providerName == "" {
		return quarryerr.New(quarryerr.CodeCLIInputInvalid, "--validate needs --provider")
	}

	if value == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return quarryerr.Errorf(quarryerr.CodeCLIInputInvalid, "reading secret value from stdin: %w", err)
		}
		value = strings.TrimSpace(line)
	}
	if value == "" {
		return quarryerr.New(quarryerr.CodeCLIInputInvalid, "secret value must not be empty")
	}

	if validate {
		if err := provider.ValidateKey(cmd.Context(), initHTTPClient, provider.ProviderName(providerName), value); err != nil {
			return err
		}
	}

	if err := secretStoreFactory().Set(secrets.DefaultService, name, value); err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "storing secret %q", name)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Stored secret: %s\n", name)
	_, _ = fmt.Fprintf(out, "Reference it in the config as %s%s/%s\n", "keyring://", secrets.DefaultService, name)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	reveal, _ := cmd.Flags().GetBool("reveal")

	value, err := secretStoreFactory().Get(secrets.DefaultService, name)
	if err != nil {
		if quarryerr.HasCode(err, quarryerr.CodeSecretNotFound) {
			return quarryerr.Errorf(quarryerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "reading secret %q", name)
	}
	if !reveal {
		value = maskSecret(value)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	keys, err := secretStoreFactory().List(secrets.DefaultService)
	if err != nil {
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "listing secrets")
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]

	if err := secretStoreFactory().Delete(secrets.DefaultService, name); err != nil {
		if quarryerr.HasCode(err, quarryerr.CodeSecretNotFound) {
			return quarryerr.Errorf(quarryerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "deleting secret %q", name)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}

// maskSecret keeps the last four characters of long secrets.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}
