// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Quarry Contributors

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/config"
	"github.com/quarry-dev/quarry/internal/provider"
	"github.com/quarry-dev/quarry/internal/secrets"
	quarryerr "github.com/quarry-dev/quarry/pkg/errors"
)

// initHTTPClient is the HTTP client used for provider key validation.
// Exposed as a variable so tests can replace it.
var initHTTPClient = &http.Client{Timeout: 10 * time.Second}

// EmbeddingBackend names a configurable embedding.backend value.
type EmbeddingBackend string

const (
	EmbeddingHashing EmbeddingBackend = "hashing"
	EmbeddingOpenAI  EmbeddingBackend = "openai"
	EmbeddingGoogle  EmbeddingBackend = "google"
)

// initWizardStep tracks which step of the wizard is active.
type initWizardStep int

const (
	stepProvider    initWizardStep = iota // select provider
	stepAPIKey                            // enter API key
	stepValidateKey                       // validating key (spinner)
	stepEmbedding                         // select embedding backend
	stepDone                              // wizard complete
	stepError                             // terminal error
)

// initResult holds the collected wizard configuration.
type initResult struct {
	Provider  provider.ProviderName
	APIKey    string
	Embedding EmbeddingBackend
}

// --- bubbletea messages ---

type (
	validationSuccessMsg struct{}
	validationErrorMsg   struct{ err error }
	configWrittenMsg     struct{ path string }
)

// --- lipgloss styles ---

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("62")).Padding(0, 1)
)

var supportedProviders = []provider.ProviderName{
	provider.ProviderAnthropic,
	provider.ProviderOpenAI,
	provider.ProviderGoogle,
	provider.ProviderOpenRouter,
}

// embeddingChoices lists the backends usable with the chosen provider's key.
// The local hashing embedder needs no key and is always offered first.
func embeddingChoices(p provider.ProviderName) []EmbeddingBackend {
	switch p {
	case provider.ProviderOpenAI:
		return []EmbeddingBackend{EmbeddingHashing, EmbeddingOpenAI}
	case provider.ProviderGoogle:
		return []EmbeddingBackend{EmbeddingHashing, EmbeddingGoogle}
	default:
		return []EmbeddingBackend{EmbeddingHashing}
	}
}

// initModel is the bubbletea model for the init wizard.
type initModel struct {
	step           initWizardStep
	providerIdx    int
	embeddingIdx   int
	apiKeyInput    textinput.Model
	spinner        spinner.Model
	result         initResult
	validationErr  string
	configPath     string
	secretStore    secrets.Store
	errFinal       error
	forceOverwrite bool
}

func newInitModel(store secrets.Store) initModel {
	apiKey := textinput.New()
	apiKey.Placeholder = "paste API key here"
	apiKey.EchoMode = textinput.EchoPassword
	apiKey.EchoCharacter = '•'

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return initModel{
		step:        stepProvider,
		apiKeyInput: apiKey,
		spinner:     sp,
		secretStore: store,
	}
}

func (m initModel) Init() tea.Cmd {
	return nil
}

func (m initModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case validationSuccessMsg:
		choices := embeddingChoices(m.result.Provider)
		if len(choices) == 1 {
			m.result.Embedding = choices[0]
			return m, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite)
		}
		m.step = stepEmbedding
		m.embeddingIdx = 0
		return m, nil

	case validationErrorMsg:
		m.validationErr = msg.err.Error()
		m.step = stepAPIKey
		m.apiKeyInput.Focus()
		return m, nil

	case configWrittenMsg:
		m.step = stepDone
		m.configPath = msg.path
		return m, tea.Quit

	case error:
		m.step = stepError
		m.errFinal = msg
		return m, tea.Quit
	}

	if m.step == stepAPIKey {
		var cmd tea.Cmd
		m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m initModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.step {
	case stepProvider:
		return m.handleProviderKey(msg)
	case stepAPIKey:
		return m.handleAPIKeyInput(msg)
	case stepEmbedding:
		return m.handleEmbeddingKey(msg)
	}
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleProviderKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k":
		if m.providerIdx > 0 {
			m.providerIdx--
		}
	case "down", "j":
		if m.providerIdx < len(supportedProviders)-1 {
			m.providerIdx++
		}
	case "enter":
		m.result.Provider = supportedProviders[m.providerIdx]
		m.step = stepAPIKey
		m.validationErr = ""
		m.apiKeyInput.SetValue("")
		m.apiKeyInput.Focus()
		return m, textinput.Blink
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) handleAPIKeyInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		key := strings.TrimSpace(m.apiKeyInput.Value())
		if key == "" {
			m.validationErr = "API key must not be empty"
			return m, nil
		}
		m.result.APIKey = key
		m.validationErr = ""
		m.step = stepValidateKey
		return m, tea.Batch(
			m.spinner.Tick,
			validateProviderKeyCmd(m.result.Provider, key),
		)
	case "ctrl+c":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.apiKeyInput, cmd = m.apiKeyInput.Update(msg)
	return m, cmd
}

func (m initModel) handleEmbeddingKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	choices := embeddingChoices(m.result.Provider)
	switch msg.String() {
	case "up", "k":
		if m.embeddingIdx > 0 {
			m.embeddingIdx--
		}
	case "down", "j":
		if m.embeddingIdx < len(choices)-1 {
			m.embeddingIdx++
		}
	case "enter":
		m.result.Embedding = choices[m.embeddingIdx]
		return m, writeConfigCmd(m.result, m.secretStore, m.forceOverwrite)
	case "q", "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m initModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("  Quarry Setup  ") + "\n\n")

	switch m.step {
	case stepProvider:
		b.WriteString(promptStyle.Render("Step 1/2: Choose a generation provider") + "\n\n")
		for i, p := range supportedProviders {
			if i == m.providerIdx {
				b.WriteString(selectedStyle.Render("  > "+string(p)) + "\n")
			} else {
				b.WriteString(dimStyle.Render("    "+string(p)) + "\n")
			}
		}
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepAPIKey:
		b.WriteString(promptStyle.Render("Step 1/2: "+string(m.result.Provider)+" API key") + "\n\n")
		b.WriteString(m.apiKeyInput.View() + "\n")
		if m.validationErr != "" {
			b.WriteString("\n" + errorStyle.Render("  "+m.validationErr) + "\n")
		}
		b.WriteString("\n" + dimStyle.Render("enter to continue  ctrl+c to quit"))

	case stepValidateKey:
		b.WriteString(m.spinner.View() + " Validating " + string(m.result.Provider) + " API key…\n")

	case stepEmbedding:
		b.WriteString(promptStyle.Render("Step 2/2: Choose how documents are embedded") + "\n\n")
		for i, e := range embeddingChoices(m.result.Provider) {
			label := string(e)
			if e == EmbeddingHashing {
				label += " (local, no API calls)"
			}
			if i == m.embeddingIdx {
				b.WriteString(selectedStyle.Render("  > "+label) + "\n")
			} else {
				b.WriteString(dimStyle.Render("    "+label) + "\n")
			}
		}
		b.WriteString("\n" + dimStyle.Render("↑/↓ to navigate  enter to select  q to quit"))

	case stepDone:
		b.WriteString(successStyle.Render("  Setup complete!  ") + "\n\n")
		if m.configPath != "" {
			b.WriteString(dimStyle.Render("Config written to: "+m.configPath) + "\n\n")
		}
		b.WriteString("Run " + promptStyle.Render("quarry ingest <dir>") + " to index documents, then " +
			promptStyle.Render("quarry serve") + " and " + promptStyle.Render("quarry chat") + ".\n")
		b.WriteString("Run " + promptStyle.Render("quarry doctor") + " to verify setup.\n")

	case stepError:
		b.WriteString(errorStyle.Render("Setup failed: "+m.errFinal.Error()) + "\n")
	}

	return boxStyle.Render(b.String())
}

// --- tea.Cmd factories ---

func validateProviderKeyCmd(p provider.ProviderName, key string) tea.Cmd {
	return func() tea.Msg {
		if err := provider.ValidateKey(context.Background(), initHTTPClient, p, key); err != nil {
			return validationErrorMsg{err: err}
		}
		return validationSuccessMsg{}
	}
}

func writeConfigCmd(result initResult, store secrets.Store, forceOverwrite bool) tea.Cmd {
	return func() tea.Msg {
		path, err := storeSecretAndWriteConfig(result, store, forceOverwrite)
		if err != nil {
			return err
		}
		return configWrittenMsg{path: path}
	}
}

// --- Config generation ---

// GenerateConfigYAML produces a minimal quarry.yaml from the wizard result.
// The API key is referenced by a keyring:// URI; the secret itself is
// stored by storeSecretAndWriteConfig.
func GenerateConfigYAML(result initResult) string {
	name := string(result.Provider)
	embeddingBackend := result.Embedding
	if embeddingBackend == "" {
		embeddingBackend = EmbeddingHashing
	}

	var sb strings.Builder
	sb.WriteString("# quarry configuration, generated by quarry init.\n")
	sb.WriteString("# See `quarry config show` for every effective setting.\n\n")

	sb.WriteString("networking:\n")
	sb.WriteString("  listen: \"127.0.0.1:8080\"\n\n")

	sb.WriteString("storage:\n")
	sb.WriteString("  backend: sqlite\n")
	sb.WriteString("  data_dir: ~/.local/share/quarry\n\n")

	sb.WriteString("providers:\n")
	fmt.Fprintf(&sb, "  %s:\n", name)
	fmt.Fprintf(&sb, "    api_key: \"%s\"\n\n", secrets.ProviderKeyURI(name))

	sb.WriteString("models:\n")
	fmt.Fprintf(&sb, "  default: \"%s\"\n", defaultModelForProvider(result.Provider))
	sb.WriteString("  failover: []\n\n")

	sb.WriteString("embedding:\n")
	fmt.Fprintf(&sb, "  backend: %s\n", embeddingBackend)
	fmt.Fprintf(&sb, "  dimensions: %d\n\n", defaultDimensions(embeddingBackend))

	sb.WriteString("auth:\n")
	sb.WriteString("  # No tokens: dev mode, tenants come from the X-Tenant-ID header.\n")
	sb.WriteString("  tokens: []\n")

	return sb.String()
}

// defaultModelForProvider returns a sensible default model string for a provider.
func defaultModelForProvider(p provider.ProviderName) string {
	switch p {
	case provider.ProviderAnthropic:
		return "anthropic/claude-sonnet-4-5"
	case provider.ProviderOpenAI:
		return "openai/gpt-4.1"
	case provider.ProviderGoogle:
		return "google/gemini-2.5-flash"
	case provider.ProviderOpenRouter:
		return "openrouter/anthropic/claude-sonnet-4-5"
	default:
		return string(p) + "/default"
	}
}

// defaultDimensions is the vector size written for each embedding backend.
func defaultDimensions(b EmbeddingBackend) int {
	switch b {
	case EmbeddingOpenAI:
		return 1536
	case EmbeddingGoogle:
		return 768
	default:
		return 384
	}
}

// storeSecretAndWriteConfig saves the API key to the keyring and writes the
// config YAML to the default config path. An existing config is only
// replaced when forceOverwrite is set.
func storeSecretAndWriteConfig(result initResult, store secrets.Store, forceOverwrite bool) (string, error) {
	cfgPath, err := configPathForWrite()
	if err != nil {
		return "", err
	}
	if !forceOverwrite {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return "", quarryerr.Errorf(quarryerr.CodeCLIInputInvalid,
				"config file already exists at %s; use --force to overwrite", cfgPath)
		}
	}

	name := string(result.Provider)
	if err := store.Set(secrets.DefaultService, secrets.ProviderKey(name), result.APIKey); err != nil {
		return "", quarryerr.Wrapf(err, quarryerr.CodeSecretStoreFailure, "storing %s API key", name)
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "creating config directory %s: %w", dir, err)
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateConfigYAML(result)), 0o600); err != nil {
		return "", quarryerr.Errorf(quarryerr.CodeConfigLoadReadFailure, "writing config to %s: %w", cfgPath, err)
	}
	return cfgPath, nil
}

// configPathForWrite returns where init writes the config. A variable so
// tests can redirect it.
var configPathForWrite = config.DefaultConfigPath

// --- Cobra command ---

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long: `Run an interactive wizard that:
  1. Stores the API key of your first generation provider
  2. Chooses how documents are embedded

The API key is kept in the OS keyring and referenced by a keyring:// URI
in the config file. No secret is written in plain text.`,
		Annotations: map[string]string{skipConfig: "true"},
		RunE:        runInit,
	}

	cmd.Flags().Bool("force", false, "overwrite an existing config file")

	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !isTerminal(f) {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"quarry init requires an interactive terminal.\n"+
				"To configure quarry non-interactively, edit ~/.config/quarry/quarry.yaml directly.")
		return quarryerr.New(quarryerr.CodeCLISetupFailure, "quarry init: not an interactive terminal")
	}

	forceOverwrite, _ := cmd.Flags().GetBool("force")

	m := newInitModel(secretStoreFactory())
	m.forceOverwrite = forceOverwrite

	finalModel, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return quarryerr.Errorf(quarryerr.CodeCLISetupFailure, "init wizard error: %w", err)
	}
	fm, ok := finalModel.(initModel)
	if !ok {
		return quarryerr.New(quarryerr.CodeCLISetupFailure, "unexpected model type after wizard")
	}
	if fm.errFinal != nil {
		return quarryerr.Wrapf(fm.errFinal, quarryerr.CodeCLISetupFailure, "init failed")
	}
	if fm.step == stepDone {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", fm.configPath)
	}
	return nil
}

// isTerminal reports whether f is a terminal file descriptor.
func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
