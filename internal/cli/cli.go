// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - root command and global flags for fusion.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
}

// NewRootCmd builds the fusion command tree.
func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	root := &cobra.Command{
		Use:   "fusion",
		Short: "Multi-model fusion orchestrator",
		Long: `fusion sends one prompt to several language models, lets them critique
and refine each other's answers, and has a master model synthesize the result.

Run "fusion serve" to start the HTTP API or "fusion ask" for a one-off query.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &UsageError{Message: err.Error()}
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default ~/.fusion/config.toml)")
	pf.BoolVar(&opts.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newAskCmd(opts),
		newModelsCmd(opts),
		newUsersCmd(opts),
		newKeysCmd(opts),
		newPruneCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	root := NewRootCmd()
	cmd, err := root.ExecuteC()
	if err == nil {
		return
	}
	jsonMode, _ := root.PersistentFlags().GetBool("json")
	name := "fusion"
	if cmd != nil {
		name = cmd.Name()
	}
	DisplayError(os.Stderr, name, err, jsonMode)
	os.Exit(GetExitCode(err))
}

// =============================================================================
// VERSION
// =============================================================================

// VersionInfo is the JSON shape of "fusion version".
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if opts.JSON {
				return NewJSONResponse("version", info).Write(cmd.OutOrStdout())
			}
			printVersion(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func printVersion(w io.Writer, info VersionInfo) {
	fmt.Fprintln(w, TitleStyle.Render("fusion "+info.Version))
	fmt.Fprintln(w, KeyValue("Commit", info.GitCommit))
	fmt.Fprintln(w, KeyValue("Built", info.BuildDate))
	fmt.Fprintln(w, KeyValue("Go", info.GoVersion))
	fmt.Fprintln(w, KeyValue("Platform", info.Platform))
}

// cobraArgs wraps a positional-args validator so its failures map to the
// usage exit code.
func cobraArgs(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := v(cmd, args); err != nil {
			return &UsageError{Message: err.Error()}
		}
		return nil
	}
}
