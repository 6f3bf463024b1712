// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/orchestrator"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// chatRequest is the body of POST /api/v1/chat/stream.
type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	TopK           int    `json:"top_k,omitempty"`
}

func newChatCmd(cc *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with your documents through a running server",
		Long: "Send a message to a running quarry server and stream the answer. " +
			"Starts an interactive session if no message is provided.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, cc, args)
		},
	}

	addRemoteFlags(cmd)
	cmd.Flags().StringP("conversation", "s", "", "continue an existing conversation by id")
	cmd.Flags().Int("top-k", 0, "passages to retrieve (0 uses the server default)")
	cmd.Flags().BoolP("quiet", "q", false, "do not print progress states")

	return cmd
}

func runChat(cmd *cobra.Command, cc *cliContext, args []string) error {
	client := newAPIClient(cmd, cc)
	convID, _ := cmd.Flags().GetString("conversation")
	topK, _ := cmd.Flags().GetInt("top-k")
	quiet, _ := cmd.Flags().GetBool("quiet")

	if len(args) > 0 {
		req := chatRequest{ConversationID: convID, Message: strings.Join(args, " "), TopK: topK}
		progress := cmd.ErrOrStderr()
		if quiet {
			progress = io.Discard
		}
		resp, err := chatOnce(cmd.Context(), client, req, progress)
		if err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), resp)
		return nil
	}

	m := newChatModel(cmd.Context(), client, convID, topK)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "chat session error: %w", err)
	}
	return nil
}

// chatOnce streams one message and returns the final answer. State events
// are written to progress as they arrive.
func chatOnce(ctx context.Context, client *apiClient, req chatRequest, progress io.Writer) (*orchestrator.Response, error) {
	var resp *orchestrator.Response
	err := client.streamChat(ctx, req, func(ev streamEvent) error {
		out, err := decodeChatEvent(ev)
		if err != nil {
			return err
		}
		if out.state != "" {
			_, _ = fmt.Fprintf(progress, "… %s\n", out.state)
		}
		if out.answer != nil {
			resp = out.answer
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, quarryerr.New(quarryerr.CodeCLIRequestFailure, "stream ended without an answer")
	}
	return resp, nil
}

// chatEvent is a decoded stream event. Exactly one field is set.
type chatEvent struct {
	state  orchestrator.State
	answer *orchestrator.Response
}

// decodeChatEvent interprets one stream event. Error events come back as
// *remoteError; unknown events decode to the zero chatEvent.
func decodeChatEvent(ev streamEvent) (chatEvent, error) {
	switch ev.Event {
	case "state":
		var st struct {
			State orchestrator.State `json:"state"`
		}
		if err := json.Unmarshal(ev.Data, &st); err != nil {
			return chatEvent{}, quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "decoding state event: %w", err)
		}
		return chatEvent{state: st.State}, nil
	case "answer":
		var resp orchestrator.Response
		if err := json.Unmarshal(ev.Data, &resp); err != nil {
			return chatEvent{}, quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "decoding answer: %w", err)
		}
		return chatEvent{answer: &resp}, nil
	case "error":
		re := &remoteError{}
		if err := json.Unmarshal(ev.Data, re); err != nil {
			return chatEvent{}, quarryerr.Errorf(quarryerr.CodeCLIRequestFailure, "decoding error event: %w", err)
		}
		return chatEvent{}, re
	}
	return chatEvent{}, nil
}

// --- interactive session ---

type (
	chatEventMsg struct{ ev streamEvent }
	chatDoneMsg  struct{ err error }
)

var (
	youStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	quarryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Bold(true)
)

// chatModel is the bubbletea model for an interactive chat session.
type chatModel struct {
	ctx        context.Context
	client     *apiClient
	topK       int
	convID     string
	input      textinput.Model
	spinner    spinner.Model
	transcript []string
	busy       bool
	state      orchestrator.State
	events     <-chan tea.Msg
}

func newChatModel(ctx context.Context, client *apiClient, convID string, topK int) chatModel {
	in := textinput.New()
	in.Placeholder = "ask about your documents"
	in.CharLimit = 32000
	in.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return chatModel{ctx: ctx, client: client, topK: topK, convID: convID, input: in, spinner: sp}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m.submit()
		}

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case chatEventMsg:
		out, err := decodeChatEvent(msg.ev)
		switch {
		case err != nil:
			m.transcript = append(m.transcript, errorStyle.Render("error: "+err.Error()))
		case out.answer != nil:
			m.convID = out.answer.ConversationID
			m.transcript = append(m.transcript, renderAnswer(out.answer))
		case out.state != "":
			m.state = out.state
		}
		return m, waitForChatMsg(m.events)

	case chatDoneMsg:
		m.busy = false
		m.state = ""
		m.events = nil
		if msg.err != nil {
			m.transcript = append(m.transcript, errorStyle.Render("error: "+msg.err.Error()))
		}
		return m, nil
	}

	if m.busy {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.SetValue("")
	if text == "/new" {
		m.convID = ""
		m.transcript = append(m.transcript, dimStyle.Render("started a new conversation"))
		return m, nil
	}

	m.transcript = append(m.transcript, youStyle.Render("you: ")+text)
	m.busy = true
	m.state = orchestrator.StateReceived
	m.events = streamChatMsgs(m.ctx, m.client, chatRequest{ConversationID: m.convID, Message: text, TopK: m.topK})
	return m, tea.Batch(m.spinner.Tick, waitForChatMsg(m.events))
}

// streamChatMsgs runs one chat stream in the background and relays its
// events as tea messages, ending with chatDoneMsg.
func streamChatMsgs(ctx context.Context, client *apiClient, req chatRequest) <-chan tea.Msg {
	ch := make(chan tea.Msg, 16)
	go func() {
		defer close(ch)
		err := client.streamChat(ctx, req, func(ev streamEvent) error {
			select {
			case ch <- chatEventMsg{ev: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case ch <- chatDoneMsg{err: err}:
		case <-ctx.Done():
		}
	}()
	return ch
}

func waitForChatMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return chatDoneMsg{}
		}
		return msg
	}
}

func renderAnswer(resp *orchestrator.Response) string {
	var b strings.Builder
	b.WriteString(quarryStyle.Render("quarry: ") + resp.Answer)
	if resp.Degraded {
		b.WriteString("\n" + dimStyle.Render("  (no document context: retrieval was unavailable)"))
	}
	for _, f := range resp.RelatedFiles {
		name := f.Name
		if name == "" {
			name = f.FileID
		}
		b.WriteString("\n" + dimStyle.Render("  source: "+name))
	}
	return b.String()
}

func (m chatModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("  quarry chat  "))
	if m.convID != "" {
		b.WriteString(dimStyle.Render("  conversation " + m.convID))
	}
	b.WriteString("\n\n")
	for _, line := range m.transcript {
		b.WriteString(line + "\n\n")
	}
	if m.busy {
		b.WriteString(m.spinner.View() + " " + string(m.state) + "…\n")
	} else {
		b.WriteString(m.input.View() + "\n")
	}
	b.WriteString("\n" + dimStyle.Render("enter to send  /new for a new conversation  esc to quit"))
	return b.String()
}
