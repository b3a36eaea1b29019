// Command balanced is the operator CLI for balanced queues: inspect
// per-partition load, clear queues, and serve the metrics endpoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xraph/balanced"
	"github.com/xraph/balanced/admin"
	"github.com/xraph/balanced/api"
	"github.com/xraph/balanced/kv"
	rediskv "github.com/xraph/balanced/kv/redis"
	"github.com/xraph/balanced/metrics"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(),
	}))
	slog.SetDefault(logger)

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("BALANCED_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// env holds everything a subcommand needs once the config is loaded.
type env struct {
	cfg   balanced.Config
	store kv.KV
	keys  kv.Keys
	admin *admin.Admin
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "balanced",
		Short:         "Fair job-dispatch broker CLI",
		Long:          "balanced partitions queues by tenant so no single tenant can monopolize workers. This CLI inspects and manages the queues.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	setup := func() (*env, error) {
		cfg := balanced.DefaultConfig()
		if configPath != "" {
			loaded, err := balanced.LoadConfig(configPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
		if addr := os.Getenv("BALANCED_REDIS_ADDR"); addr != "" {
			cfg.Redis.Connection = addr
		}

		client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Connection})
		store := rediskv.New(client, rediskv.WithLogger(logger))
		keys := kv.NewKeys(cfg.Redis.Prefix)
		return &env{
			cfg:   cfg,
			store: store,
			keys:  keys,
			admin: admin.New(store, keys, admin.WithLogger(logger)),
		}, nil
	}

	rootCmd.AddCommand(newTableCmd(setup))
	rootCmd.AddCommand(newClearCmd(setup))
	rootCmd.AddCommand(newServeMetricsCmd(setup, logger))
	return rootCmd
}

// tableInfo renders the active policy caption from config.
func tableInfo(cfg balanced.Config) admin.TableInfo {
	capLabel := "unlimited"
	switch cfg.Limiter {
	case "simple":
		capLabel = fmt.Sprintf("%v", settingOr(cfg.LimiterSettings("simple"), "max_concurrent", 10))
	case "adaptive":
		s := cfg.LimiterSettings("adaptive")
		capLabel = fmt.Sprintf("adaptive %v..%v",
			settingOr(s, "base_limit", 5), settingOr(s, "max_limit", 20))
	}
	return admin.TableInfo{Strategy: cfg.Strategy, Cap: capLabel}
}

func settingOr(settings map[string]any, key string, def any) any {
	if v, ok := settings[key]; ok {
		return v
	}
	return def
}

func newTableCmd(setup func() (*env, error)) *cobra.Command {
	var (
		all      bool
		watch    bool
		interval int
	)
	cmd := &cobra.Command{
		Use:   "table [QUEUE]",
		Short: "Show per-partition pending/active/processed for a queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("a QUEUE argument or --all is required")
			}
			e, err := setup()
			if err != nil {
				return err
			}
			queue := ""
			if len(args) > 0 {
				queue = args[0]
			}
			info := tableInfo(e.cfg)

			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return e.admin.Watch(ctx, cmd.OutOrStdout(), queue, all, info,
					time.Duration(interval)*time.Second)
			}
			if all {
				return e.admin.RenderAll(cmd.Context(), cmd.OutOrStdout(), info)
			}
			return e.admin.RenderTable(cmd.Context(), cmd.OutOrStdout(), queue, info)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "show every discovered queue")
	cmd.Flags().BoolVar(&watch, "watch", false, "redraw continuously")
	cmd.Flags().IntVar(&interval, "interval", 2, "watch refresh interval in seconds")
	return cmd
}

func newClearCmd(setup func() (*env, error)) *cobra.Command {
	var (
		partition string
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "clear QUEUE",
		Short: "Clear a whole queue or a single partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue := args[0]
			target := fmt.Sprintf("queue %q", queue)
			if partition != "" {
				target = fmt.Sprintf("partition %q of queue %q", partition, queue)
			}
			if !force && !confirm(cmd, fmt.Sprintf("Clear %s?", target)) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted")
				return nil
			}

			e, err := setup()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if partition != "" {
				if err := e.admin.ClearPartition(ctx, queue, partition); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", target)
				return nil
			}
			n, err := e.admin.ClearQueue(ctx, queue)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already empty\n", target)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s (%d partitions)\n", target, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&partition, "partition", "", "clear only this partition")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	return cmd
}

// confirm asks an interactive yes/no question on the command's streams.
func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", question)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newServeMetricsCmd(setup func() (*env, error), logger *slog.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-metrics",
		Short: "Serve the line-protocol metrics endpoint over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			if !e.cfg.Prometheus.Enabled {
				return fmt.Errorf("balanced: metrics endpoint is disabled (prometheus.enabled is false)")
			}

			reader := metrics.NewReader(e.store, e.keys, metrics.WithLogger(logger))
			handler := api.NewMetricsHandler(metrics.NewExporter(reader), api.WithLogger(logger))

			var gate func(http.Handler) http.Handler
			switch e.cfg.Prometheus.Middleware {
			case "ip_whitelist":
				allow, allowErr := api.NewIPAllowlist(e.cfg.Prometheus.IPWhitelist)
				if allowErr != nil {
					return allowErr
				}
				gate = allow.Middleware
			case "basic_auth":
				gate = api.NewBasicAuth(
					e.cfg.Prometheus.BasicAuthUser,
					e.cfg.Prometheus.BasicAuthPassword,
				).Middleware
			}

			route := e.cfg.Prometheus.Route
			if route == "" {
				route = "/metrics/balanced-queue"
			}
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(route, gate),
				ReadHeaderTimeout: 5 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx) //nolint:errcheck // best-effort drain on signal
			}()

			logger.Info("serving metrics",
				slog.String("addr", addr),
				slog.String("route", route),
			)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9901", "listen address")
	return cmd
}
