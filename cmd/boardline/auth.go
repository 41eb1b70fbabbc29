package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"boardline/internal/app"
	"boardline/internal/domain"
	"boardline/internal/remote"
	"boardline/internal/server"
)

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Mint a bearer token",
		Long: `Signs a token with server.jwt_secret in local mode. In remote mode the
server's dev login endpoint mints it and must be enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var token string
			if cfg.Client.BaseURL != "" {
				client := remote.New(cfg.Client.BaseURL, cfg.Client.Timeout)
				if cfg.Server.BasePath != "" {
					client.BasePath = cfg.Server.BasePath
				}
				token, err = client.DevLogin(cmd.Context(), args[0], cfg.Client.TenantID)
			} else {
				if cfg.Server.JWTSecret == "" {
					return fmt.Errorf("server.jwt_secret is required to sign tokens")
				}
				if !cmd.Flags().Changed("ttl") && cfg.Server.TokenTTL > 0 {
					ttl = cfg.Server.TokenTTL
				}
				token, err = server.SignToken(cfg.Server.JWTSecret, args[0], cfg.Client.TenantID, ttl, time.Now())
			}
			if err != nil {
				return err
			}
			return printJSONOrText(map[string]string{"access_token": token, "token_type": "bearer"}, func() {
				fmt.Println(token)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (local signing only)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var name string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var key remote.APIKey
				if e, err := s.Engine(); err == nil {
					stored, plain, err := e.CreateAPIKey(ctx, s.Principal, name)
					if err != nil {
						return err
					}
					key = fromStored(stored, plain)
				} else {
					client, err := remoteClient(s)
					if err != nil {
						return err
					}
					if key, err = client.CreateAPIKey(ctx, s.Principal, name); err != nil {
						return err
					}
				}
				return printJSONOrText(key, func() {
					fmt.Printf("API key %s created for %s\n", key.ID, key.Owner)
					fmt.Println(key.Key)
					fmt.Fprintln(os.Stderr, "store it now; it is not shown again")
				})
			})
		},
	}
	createCmd.Flags().StringVar(&name, "name", "", "label for the key")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the acting owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var keys []remote.APIKey
				if e, err := s.Engine(); err == nil {
					stored, err := e.Repo.ListAPIKeys(ctx, s.Principal.OwnerID)
					if err != nil {
						return err
					}
					for _, k := range stored {
						keys = append(keys, fromStored(k, ""))
					}
				} else {
					client, err := remoteClient(s)
					if err != nil {
						return err
					}
					if keys, err = client.ListAPIKeys(ctx, s.Principal); err != nil {
						return err
					}
				}
				return printJSONOrText(keys, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Tenant", "Created"})
					for _, k := range keys {
						tw.AppendRow(table.Row{k.ID, k.Name, k.Owner, k.TenantID, k.CreatedAt})
					}
					tw.Render()
				})
			})
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if e, err := s.Engine(); err == nil {
					if err := e.Repo.DeleteAPIKey(ctx, args[0], s.Principal.OwnerID); err != nil {
						return err
					}
				} else {
					client, err := remoteClient(s)
					if err != nil {
						return err
					}
					if err := client.RevokeAPIKey(ctx, s.Principal, args[0]); err != nil {
						return err
					}
				}
				return printJSONOrText(map[string]string{"revoked": args[0]}, func() {
					fmt.Println("revoked", args[0])
				})
			})
		},
	}

	cmd.AddCommand(createCmd, listCmd, revokeCmd)
	return cmd
}

func fromStored(k domain.APIKey, plain string) remote.APIKey {
	return remote.APIKey{ID: k.ID, Name: k.Name, Key: plain, Owner: k.OwnerID, TenantID: k.TenantID, CreatedAt: k.CreatedAt}
}

func remoteClient(s *app.Session) (*remote.Client, error) {
	client, ok := s.Remote.(*remote.Client)
	if !ok {
		return nil, fmt.Errorf("session has no remote client")
	}
	return client, nil
}
