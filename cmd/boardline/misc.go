package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"boardline/internal/app"
	"boardline/internal/config"
	"boardline/internal/remote"
)

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var collection, cursor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				var page remote.PaginatedEvents
				if e, err := s.Engine(); err == nil {
					var from int64
					if cursor != "" {
						if from, err = strconv.ParseInt(cursor, 10, 64); err != nil {
							return fmt.Errorf("invalid cursor %q", cursor)
						}
					}
					events, next, err := e.EventsPage(ctx, s.Principal, collection, n, from)
					if err != nil {
						return err
					}
					page.NextCursor = next
					for _, ev := range events {
						page.Items = append(page.Items, remote.Event{
							ID: ev.ID, TS: ev.TS, Type: ev.Type, Collection: ev.Collection,
							EntityID: ev.EntityID, ActorID: ev.ActorID, Payload: ev.Payload,
						})
					}
				} else {
					if collection != "" {
						return errors.New("--collection is only supported against the local database")
					}
					client, err := remoteClient(s)
					if err != nil {
						return err
					}
					if page, err = client.EventsPage(ctx, s.Principal, n, cursor); err != nil {
						return err
					}
				}
				return printJSONOrText(page, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Collection", "Entity", "Actor"})
					for _, ev := range page.Items {
						tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Collection, ev.EntityID, ev.ActorID})
					}
					tw.Render()
					if page.NextCursor != "" {
						fmt.Println("next cursor:", page.NextCursor)
					}
				})
			})
		},
	}
	cmd.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&collection, "collection", "", "only events of this collection")
	cmd.Flags().StringVar(&cursor, "cursor", "", "continue from a previous page")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default boardline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			data, err := config.GenerateDefault()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			for _, secret := range []*string{&cfg.Server.JWTSecret, &cfg.Client.Token, &cfg.Client.APIKey} {
				if *secret != "" {
					*secret = "********"
				}
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check boardline.yml and its boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd, validateCmd)
	return cmd
}
