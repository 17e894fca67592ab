// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/fusion/internal/router"
	"github.com/jeranaias/fusion/internal/storage"
)

// withStorageApp loads config, opens storage and runs fn.
func withStorageApp(cmd *cobra.Command, opts *GlobalOptions, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, opts, true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

// =============================================================================
// USERS
// =============================================================================

// CreatedUser is the JSON shape of "fusion users add".
type CreatedUser struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

func newUsersCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage users and bearer tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <name>",
		Short: "Create a user and print its bearer token",
		Args:  cobraArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				u, token, err := app.Store.CreateUser(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.JSON {
					return NewJSONResponse("users add", CreatedUser{ID: u.ID, Name: u.Name, Token: token}).Write(cmd.OutOrStdout())
				}
				w := cmd.OutOrStdout()
				fmt.Fprintln(w, SuccessStyle.Render("User created"))
				fmt.Fprintln(w, KeyValue("ID:", u.ID))
				fmt.Fprintln(w, KeyValue("Name:", u.Name))
				fmt.Fprintln(w, KeyValue("Token:", token))
				fmt.Fprintln(w, WarningStyle.Render("The token is shown once and cannot be recovered."))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobraArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				users, err := app.Store.ListUsers(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					if users == nil {
						users = []storage.User{}
					}
					return NewJSONResponse("users list", users).Write(cmd.OutOrStdout())
				}
				t := NewTable("ID", "NAME", "CREATED")
				for _, u := range users {
					t.Row(u.ID, u.Name, u.CreatedAt.Local().Format(time.DateTime))
				}
				return t.Render(cmd.OutOrStdout(), 0)
			})
		},
	})
	return cmd
}

// =============================================================================
// KEYS
// =============================================================================

// KeyList is the JSON shape of "fusion keys list".
type KeyList struct {
	UserID    string   `json:"user_id"`
	Providers []string `json:"providers"`
}

func newKeysCmd(opts *GlobalOptions) *cobra.Command {
	var userID, token string

	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage a user's encrypted provider keys",
		Long: `Manage a user's encrypted provider keys.

Keys are sealed with the vault secret (FUSION_VAULT_SECRET) and override the
process-wide defaults for requests made with that user's token.

Providers: openai, anthropic, google, xai, openrouter, serper, tavily, manus`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&userID, "user", "", "user id")
	pf.StringVar(&token, "token", os.Getenv("FUSION_TOKEN"), "user bearer token (env FUSION_TOKEN), used when --user is empty")

	resolve := func(ctx context.Context, app *App) (string, error) {
		switch {
		case userID != "":
			u, err := app.Store.GetUser(ctx, userID)
			if err != nil {
				return "", err
			}
			return u.ID, nil
		case token != "":
			return app.Store.Authenticate(ctx, token)
		default:
			return "", usageErrorf("--user or --token is required")
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> <key>",
		Short: "Store a provider key",
		Args:  cobraArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := router.ParseProvider(args[0])
			if err != nil {
				return usageErrorf("%v", err)
			}
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				v, err := app.requireVault()
				if err != nil {
					return err
				}
				id, err := resolve(ctx, app)
				if err != nil {
					return err
				}
				if err := v.Set(ctx, id, p, args[1]); err != nil {
					return err
				}
				return reportKeyChange(cmd, opts, "keys set", id, p, "stored")
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a provider key",
		Args:  cobraArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := router.ParseProvider(args[0])
			if err != nil {
				return usageErrorf("%v", err)
			}
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				v, err := app.requireVault()
				if err != nil {
					return err
				}
				id, err := resolve(ctx, app)
				if err != nil {
					return err
				}
				if err := v.Delete(ctx, id, p); err != nil {
					return err
				}
				return reportKeyChange(cmd, opts, "keys delete", id, p, "deleted")
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with a stored key",
		Args:  cobraArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorageApp(cmd, opts, func(ctx context.Context, app *App) error {
				v, err := app.requireVault()
				if err != nil {
					return err
				}
				id, err := resolve(ctx, app)
				if err != nil {
					return err
				}
				providers, err := v.Providers(ctx, id)
				if err != nil {
					return err
				}
				names := make([]string, len(providers))
				for i, p := range providers {
					names[i] = p.String()
				}
				if opts.JSON {
					return NewJSONResponse("keys list", KeyList{UserID: id, Providers: names}).Write(cmd.OutOrStdout())
				}
				if len(names) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("No keys stored; the server defaults apply."))
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), KeyValue("Providers:", strings.Join(names, ", ")))
				return nil
			})
		},
	})
	return cmd
}

func reportKeyChange(cmd *cobra.Command, opts *GlobalOptions, command, userID string, p router.Provider, action string) error {
	if opts.JSON {
		return NewJSONResponse(command, map[string]string{
			"user_id":  userID,
			"provider": p.String(),
			"action":   action,
		}).Write(cmd.OutOrStdout())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s key %s for user %s\n", SuccessStyle.Render("[OK]"), p, action, userID)
	return nil
}
