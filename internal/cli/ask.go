// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fusion/internal/model"
)

// MaxFileSize is the largest file --file will attach (1MB).
const MaxFileSize = 1 << 20

// extractionWait bounds how long ask waits for memory extraction to finish.
const extractionWait = 30 * time.Second

// askFlags holds the ask command flags.
type askFlags struct {
	models       []string
	master       string
	mode         string
	verify       bool
	save         bool
	token        string
	conversation string
	project      string
	file         string
	timeout      time.Duration
}

func newAskCmd(opts *GlobalOptions) *cobra.Command {
	f := &askFlags{}

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt through the fusion pipeline",
		Long: `Send one prompt through the fusion pipeline and print the answer.

The prompt is read from the arguments, or from stdin when no arguments are
given and stdin is not a terminal.`,
		Example: `  fusion ask "What is the capital of Australia?"
  fusion ask --mode supernova --models gpt-4o,claude-sonnet-4,grok-3 "Explain CRDTs"
  fusion ask --verify --master gpt-4o "Who won the 2022 World Cup?"
  echo "Summarize this" | fusion ask --file notes.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args, f.file)
			if err != nil {
				return err
			}
			if f.mode != "" {
				if _, err := model.ParseMode(f.mode); err != nil {
					return usageErrorf("%v", err)
				}
			}
			return runAsk(cmd, opts, f, prompt)
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVarP(&f.models, "models", "m", nil, "comma-separated model ids (default fusion.default_models)")
	fl.StringVar(&f.master, "master", "", "master model for synthesis")
	fl.StringVar(&f.mode, "mode", "", "solo, fusion, supernova, image or manus")
	fl.BoolVar(&f.verify, "verify", false, "fact-check the answer against the web")
	fl.BoolVar(&f.save, "save", false, "persist the run (requires --token)")
	fl.StringVar(&f.token, "token", os.Getenv("FUSION_TOKEN"), "user bearer token (env FUSION_TOKEN)")
	fl.StringVar(&f.conversation, "conversation", "", "continue a saved conversation")
	fl.StringVar(&f.project, "project", "", "apply a project's instructions")
	fl.StringVarP(&f.file, "file", "f", "", "attach a file to the prompt")
	fl.DurationVar(&f.timeout, "timeout", 5*time.Minute, "overall request timeout")
	return cmd
}

// runAsk wires the app, handles one request and prints the result.
func runAsk(cmd *cobra.Command, opts *GlobalOptions, f *askFlags, prompt string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts, true)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
	defer cancel()

	app, err := newApp(ctx, cfg, logger, f.save || f.token != "")
	if err != nil {
		return err
	}
	defer app.Close()

	app.Runner.Start()
	defer app.Runner.Stop()

	req := model.FusionRequest{
		Prompt:          prompt,
		ModelSlugs:      f.models,
		MasterModelSlug: f.master,
		Mode:            model.Mode(strings.ToLower(f.mode)),
		ConversationID:  f.conversation,
		ProjectID:       f.project,
		WebVerify:       f.verify,
		SkipSave:        !f.save,
	}
	resp, err := app.Service.Handle(ctx, f.token, req)
	if err != nil {
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), extractionWait)
	defer waitCancel()
	_ = app.Runner.Wait(waitCtx)

	if opts.JSON {
		return NewJSONResponse("ask", resp).Write(cmd.OutOrStdout())
	}
	printAnswer(cmd.OutOrStdout(), resp)
	printRunSummary(cmd.ErrOrStderr(), resp, GetTerminalWidth())
	return nil
}

// readPrompt joins args, falling back to stdin, and appends --file content.
func readPrompt(stdin io.Reader, args []string, file string) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && (stdin != os.Stdin || !IsStdinTTY()) {
		data, err := io.ReadAll(io.LimitReader(stdin, MaxFileSize))
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if file != "" {
		attached, err := readFileForContext(file)
		if err != nil {
			return "", err
		}
		prompt += attached
	}
	if strings.TrimSpace(prompt) == "" {
		return "", usageErrorf("a prompt is required")
	}
	return prompt, nil
}

// readFileForContext reads a file and formats it for inclusion in a prompt.
// Files larger than MaxFileSize are rejected.
func readFileForContext(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", usageErrorf("file not found: %s", path)
		}
		return "", fmt.Errorf("cannot access file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return "", usageErrorf("file too large: %d bytes (max %d bytes)", info.Size(), MaxFileSize)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n--- File: %s ---\n", path)
	b.Write(content)
	b.WriteString("\n--- End of file ---\n")
	return b.String(), nil
}

// =============================================================================
// OUTPUT
// =============================================================================

// printAnswer writes the answer and its sources.
func printAnswer(w io.Writer, resp *model.FusionResponse) {
	fmt.Fprintln(w, resp.Fusion)
	if len(resp.Citations) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, SectionStyle.Render("Sources"))
	for _, c := range resp.Citations {
		fmt.Fprintf(w, "  [%d] %s\n      %s\n", c.Index, c.Title, DimStyle.Render(c.URL))
	}
}

// printRunSummary writes the per-phase breakdown and token totals.
func printRunSummary(w io.Writer, resp *model.FusionResponse, width int) {
	width = min(max(width, 40), 100)
	fmt.Fprintln(w)
	fmt.Fprintln(w, Separator(width))

	t := NewTable("PHASE", "MODEL", "STATUS", "TOKENS")
	addRows := func(results []model.ModelResult) {
		for _, r := range results {
			t.Row(string(r.Phase), r.Model, StatusText(r.OK(), "failed"), strconv.Itoa(r.Tokens))
		}
	}
	addRows(resp.Phases.Initial)
	addRows(resp.Phases.CrossAnalysis)
	addRows(resp.Phases.Refinement)
	if syn := resp.Phases.Synthesis; syn != nil {
		status := StatusText(syn.OK(), "failed")
		if syn.FallbackFrom != "" {
			status = WarningStyle.Render("fallback:" + syn.FallbackFrom)
		}
		t.Row(string(model.PhaseSynthesis), syn.MasterModel, status, strconv.Itoa(syn.Tokens))
	}
	if t.Len() > 0 {
		_ = t.Render(w, 32)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, KeyValue("Mode:", string(resp.Mode)))
	tokens := strconv.Itoa(resp.TokenUsage.Total)
	if resp.TokenUsage.FactCheck > 0 {
		tokens += fmt.Sprintf(" (+%d fact-check)", resp.TokenUsage.FactCheck)
	}
	fmt.Fprintln(w, KeyValue("Tokens:", tokens))
	if resp.WebVerified {
		fmt.Fprintln(w, KeyValue("Verified:", SuccessStyle.Render("web")))
	}
	if resp.RunID != "" {
		fmt.Fprintln(w, KeyValue("Run:", resp.RunID))
	}
	if resp.ConversationID != "" {
		fmt.Fprintln(w, KeyValue("Conversation:", resp.ConversationID))
	}
}
