package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"boardline/internal/db"
	"boardline/internal/engine"
	"boardline/internal/migrate"
	"boardline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if cmd.Flags().Changed("dev-auth") {
				cfg.Server.DevAuth = devAuth
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("BOARDLINE_JWT_SECRET or server.jwt_secret is required for bearer auth")
			}
			log, err := cfg.NewLogger(true)
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), File: cfg.Database.Path, BusyTimeout: cfg.Database.BusyTimeout})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			if applied > 0 {
				log.Info("applied migrations", zap.Int("count", applied))
			}

			handler, err := server.New(server.Config{
				Engine:   engine.New(conn),
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Server.JWTSecret,
					DevAuth:   cfg.Server.DevAuth,
					TokenTTL:  cfg.Server.TokenTTL,
				},
				Logger: log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					log.Warn("shutdown", zap.Error(err))
				}
			}()
			log.Info("serving boardline API",
				zap.String("addr", cfg.Server.Addr),
				zap.String("base_path", cfg.Server.BasePath),
				zap.Bool("dev_auth", cfg.Server.DevAuth))
			fmt.Printf("Serving Boardline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devAuth, "dev-auth", false, "enable POST /auth/dev/login (never in production)")
	return cmd
}
