// Package main is the entry point for webrag.
// It parses the command line, wires together all dependencies and runs the
// HTTP API, the ingestion workers or the MCP server.
//
// All business logic lives in internal/.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bad33ndj3/webrag/internal/config"
	"github.com/bad33ndj3/webrag/internal/httpapi"
	mcphandlers "github.com/bad33ndj3/webrag/internal/mcp"
)

const (
	appName    = "webrag"
	appVersion = "v0.1.0"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          appName,
		Short:        "Ingest web pages and answer questions about them",
		Version:      appVersion,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultPath, "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", config.DefaultEnvFile, "path to a .env file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(flags),
		newWorkerCmd(flags),
		newMCPCmd(flags),
		newMigrateCmd(flags),
		newIngestCmd(flags),
		newQueryCmd(flags),
	)
	return root
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(flags *globalFlags) (config.Config, error) {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return config.Config{}, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// setup loads config, builds a logger writing to w and wires the app.
func setup(ctx context.Context, flags *globalFlags, w io.Writer) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, w)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API.

With a Redis queue, ingestion tasks are processed by separate "webrag worker"
processes unless --with-worker is set. With the in-memory queue a worker pool
always runs in this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			handler := httpapi.NewHandler(a.coord, a.search)
			server := httpapi.NewServer(":"+strconv.Itoa(a.cfg.HTTP.Port), httpapi.NewRouter(handler, a.logger, a.cfg.HTTP.AllowOrigins), a.logger)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Run(ctx) })
			if withWorker || a.localQueue() {
				pool, err := a.newPool(ctx)
				if err != nil {
					return err
				}
				g.Go(func() error { return pool.Run(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run ingestion workers in this process")
	return cmd
}

func newWorkerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume ingestion tasks from the Redis queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.localQueue() {
				return fmt.Errorf("worker needs queue.backend=%s (set REDIS_URL)", config.BackendRedis)
			}
			pool, err := a.newPool(ctx)
			if err != nil {
				return err
			}
			return pool.Run(ctx)
		},
	}
}

func newMCPCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// MCP stdio servers must never write logs to stdout.
			log.SetOutput(os.Stderr)
			ctx := cmd.Context()

			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger, logFile, err := setupFileLogger(cfg.Log.Dir)
			if err != nil {
				log.Printf("Warning: failed to setup file logger: %v", err)
				logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			} else {
				defer logFile.Close()
			}

			logger.Info("server starting", "name", appName, "version", appVersion, "log_dir", cfg.Log.Dir)

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to wire components", "error", err)
				return err
			}
			defer a.Close()

			server := mcp.NewServer(&mcp.Implementation{
				Name:    appName,
				Version: appVersion,
			}, &mcp.ServerOptions{
				Instructions: "Use ingest_url to index a web page, ingestion_status to follow it, then query to ask questions answered from the indexed pages.",
			})
			mcphandlers.NewHandlers(a.coord, a.search, logger).Register(server)

			// the session ends when the client closes stdin; stop the workers too
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			g, ctx := errgroup.WithContext(ctx)
			if a.localQueue() {
				pool, err := a.newPool(ctx)
				if err != nil {
					return err
				}
				g.Go(func() error { return pool.Run(ctx) })
			}
			g.Go(func() error {
				defer cancel()
				logger.Info("server ready, waiting for requests")
				return server.Run(ctx, &mcp.StdioTransport{})
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the records table and the vector collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// newApp migrates and ensures the collection on every start.
			a, err := setup(cmd.Context(), flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "records table and vector collection are ready")
			return nil
		},
	}
}

func newIngestCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest <url>",
		Short: "Ingest one URL synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.coord.Run(cmd.Context(), args[0], force)
			out := map[string]any{"submit": res.Submit}
			if res.Process != nil {
				out["process"] = res.Process
			}
			if err := printJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-fetch and re-index even if the content is unchanged")
	return cmd
}

func newQueryCmd(flags *globalFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the indexed pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.search.Query(cmd.Context(), args[0], limit)
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, resp.Answer)
			if len(resp.Sources) > 0 {
				fmt.Fprintln(w, "\nSources:")
				for i, src := range resp.Sources {
					fmt.Fprintf(w, "%d. %s (%.3f)\n   %s\n", i+1, src.URL, src.RelevanceScore, src.ContentPreview)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "number of passages to retrieve (max 20)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the response as JSON")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
