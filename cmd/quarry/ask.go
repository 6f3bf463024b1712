// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

func newAskCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question against the local store",
		Long: "Run retrieval and generation in-process, without a running server. " +
			"Pass --conversation to continue an earlier conversation.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, cc, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringP("tenant", "t", defaultTenant, "tenant to ask")
	cmd.Flags().String("conversation", "", "continue this conversation id")
	cmd.Flags().Int("top-k", 0, "passages to retrieve (0 uses retrieval.top_k)")
	cmd.Flags().Bool("json", false, "print the full response as JSON")

	return cmd
}

func runAsk(cmd *cobra.Command, cc *cliContext, question string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	convID, _ := cmd.Flags().GetString("conversation")
	topK, _ := cmd.Flags().GetInt("top-k")
	asJSON, _ := cmd.Flags().GetBool("json")
	if topK < 0 {
		return quarryerr.Errorf(quarryerr.CodeCLIInputInvalid, "--top-k must not be negative, got %d", topK)
	}

	cfg, err := cc.load(cmd)
	if err != nil {
		return err
	}
	app, err := WireApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	resp, err := app.Orchestrator.HandleMessage(cmd.Context(), orchestrator.Request{
		TenantID:       tenant,
		ConversationID: convID,
		Message:        question,
		TopK:           topK,
		OnState: func(id string, s orchestrator.State) {
			slog.Debug("chat state", "conversation_id", id, "state", string(s))
		},
	})
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printAnswer(cmd.OutOrStdout(), resp)
	return nil
}

// printAnswer renders an answer followed by its sources.
func printAnswer(w io.Writer, resp *orchestrator.Response) {
	_, _ = fmt.Fprintln(w, resp.Answer)
	if resp.Degraded {
		_, _ = fmt.Fprintln(w, "\n(answered without document context: retrieval was unavailable)")
	}
	if len(resp.RelatedFiles) > 0 {
		_, _ = fmt.Fprintln(w, "\nSources:")
		for _, f := range resp.RelatedFiles {
			name := f.Name
			if name == "" {
				name = f.FileID
			}
			_, _ = fmt.Fprintf(w, "  - %s (%s)\n", name, f.FileID)
		}
	}
	_, _ = fmt.Fprintf(w, "\nconversation: %s\n", resp.ConversationID)
}
