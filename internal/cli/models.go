// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fusion/internal/credentials"
	"github.com/jeranaias/fusion/internal/router"
)

// ModelStatus is one row of "fusion models".
type ModelStatus struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Kind      string `json:"kind"`
	Grounding bool   `json:"grounding"`
	// Route is the provider a call would use with the default credentials,
	// empty when none is configured.
	Route string `json:"route"`
}

func newModelsCmd(opts *GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List registered models and how they route",
		Args:  cobraArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			rows := modelStatuses(reg, credentials.NewSet(cfg.Providers.Keys()))

			if opts.JSON {
				return NewJSONResponse("models", rows).Write(cmd.OutOrStdout())
			}
			t := NewTable("MODEL", "PROVIDER", "KIND", "GROUNDING", "ROUTE")
			for _, m := range rows {
				grounding := ""
				if m.Grounding {
					grounding = "yes"
				}
				route := m.Route
				if route == "" {
					route = WarningStyle.Render("no credential")
				}
				t.Row(m.ID, m.Provider, m.Kind, grounding, route)
			}
			if err := t.Render(cmd.OutOrStdout(), 0); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render(fmt.Sprintf("%d models", t.Len())))
			return nil
		},
	}
}

// modelStatuses describes every model in reg against creds.
func modelStatuses(reg *router.Registry, creds credentials.Set) []ModelStatus {
	specs := reg.Models()
	out := make([]ModelStatus, 0, len(specs))
	for _, m := range specs {
		s := ModelStatus{
			ID:        m.ID,
			Provider:  m.Provider.String(),
			Kind:      m.Kind.String(),
			Grounding: m.Grounding,
		}
		if route, err := reg.Route(m.ID, creds); err == nil {
			s.Route = route.Provider.String()
		}
		out = append(out, s)
	}
	return out
}
