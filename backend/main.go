package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/service"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var args struct {
	configPath string
	username   string
	email      string
	password   string
	role       string
}

var Cmd = &cobra.Command{
	Use:   "dealdesk",
	Short: "Deal desk backend: deals, documents and due diligence processing",
	RunE:  runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE:  runServe,
}

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create an active account with the given role",
	RunE:  runCreateUser,
}

func init() {
	Cmd.PersistentFlags().StringVarP(&args.configPath, "config", "c", "config.yaml", "path to the config file")

	createUserCmd.Flags().StringVar(&args.username, "username", "", "login name")
	createUserCmd.Flags().StringVar(&args.email, "email", "", "email address, defaults to <username>@localhost")
	createUserCmd.Flags().StringVar(&args.password, "password", "", "initial password")
	createUserCmd.Flags().StringVar(&args.role, "role", string(model.RoleAnalyst), "admin, manager, analyst or viewer")
	createUserCmd.MarkFlagRequired("username")
	createUserCmd.MarkFlagRequired("password")

	Cmd.AddCommand(serveCmd, createUserCmd)
}

func main() {
	if err := Cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(args.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", args.configPath, err)
	}

	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded successfully", "database", cfg.Database.Driver)

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	if err := a.minio.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure minio bucket: %w", err)
	}
	if err := a.users.Bootstrap(ctx, cfg.Users); err != nil {
		return fmt.Errorf("bootstrap users: %w", err)
	}
	docs, deals, err := a.processor.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted processing: %w", err)
	}
	if docs > 0 || deals > 0 {
		slog.Warn("recovered processing interrupted by a previous shutdown", "documents", docs, "deals", deals)
	}
	if a.mineru == nil {
		slog.Warn("mineru is not configured, only text documents can be extracted")
	}
	if !cfg.LLM.Enabled() {
		slog.Warn("llm is not configured, analysis and classification are skipped")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("waiting for background processing to finish")
	return nil
}

func runCreateUser(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	role := model.UserRole(args.role)
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", args.role)
	}
	email := args.email
	if email == "" {
		email = args.username + "@localhost"
	}

	st, err := openStore(&cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.Driver == "memory" {
		slog.Warn("database driver is memory, the account will not outlive this process")
	}
	u, err := service.NewUserService(st).CreateUser(cmd.Context(), args.username, email, args.password, role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s) with role %s\n", u.Username, u.ID, u.Role)
	return nil
}
