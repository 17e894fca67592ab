// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// PruneResult is the JSON shape of "fusion prune".
type PruneResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
}

func newPruneCmd(opts *GlobalOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete saved runs older than a number of days",
		Long: `Delete saved runs older than a number of days. Conversations left without
runs are removed too.

Defaults to storage.retention_days when --days is not given.`,
		Args: cobraArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				if !cmd.Flags().Changed("days") {
					days = app.Config.Storage.RetentionDays
				}
				if days <= 0 {
					return usageErrorf("--days must be positive (storage.retention_days is %d)", app.Config.Storage.RetentionDays)
				}

				cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
				n, err := app.Store.Prune(ctx, cutoff)
				if err != nil {
					return err
				}
				if opts.JSON {
					return NewJSONResponse("prune", PruneResult{Cutoff: cutoff.UTC(), Deleted: n}).Write(cmd.OutOrStdout())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s deleted %d runs older than %s\n",
					SuccessStyle.Render("[OK]"), n, cutoff.Local().Format(time.DateTime))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "delete runs older than this many days")
	return cmd
}
