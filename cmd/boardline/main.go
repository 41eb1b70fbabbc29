package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"boardline/internal/app"
	"boardline/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "boardline",
	Short: "Boardline CLI",
	Long: `Boardline keeps activities and projects on kanban boards.
Changes show up locally right away and are confirmed or rolled back once the
data store answers.
- Local mode: rows live in .boardline/boardline.db inside the workspace.
- Remote mode: set client.base_url (or --server) to talk to 'boardline serve'.
- Boards: columns group statuses; legacy spellings map onto canonical ones.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOARDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/boardline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("server", "", "remote server base URL; empty uses the local database")
	flags.String("owner", "", "acting owner id")
	flags.String("tenant", "", "acting tenant id")
	flags.String("token", "", "bearer token for the remote server")
	flags.String("api-key", "", "API key for the remote server")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "json", "server", "owner", "tenant", "token", "api-key", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(rowsCmd("activity", "activities", "Manage activities"))
	rootCmd.AddCommand(rowsCmd("project", "projects", "Manage projects"))
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies flag and environment
// overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Client.BaseURL, "server")
	override(&cfg.Client.OwnerID, "owner")
	override(&cfg.Client.TenantID, "tenant")
	override(&cfg.Client.Token, "token")
	override(&cfg.Client.APIKey, "api-key")
	override(&cfg.Logging.Level, "log-level")
	override(&cfg.Server.JWTSecret, "jwt-secret")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// withSession opens a session for the configured principal and closes it
// when fn returns.
func withSession(ctx context.Context, fn func(context.Context, *app.Session) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger(false)
	if err != nil {
		return err
	}
	defer log.Sync()
	s, err := app.Open(ctx, cfg, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrText(v any, text func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	text()
	return nil
}
