// Command convokit is a small operational tool for inspecting and mutating
// session stores: create, list, show, append to and delete sessions against
// any backend the registry knows, selected by URI. The serve subcommand
// exposes store health and Prometheus metrics over HTTP.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/convokit-dev/convokit/pkg/observability"
	"github.com/convokit-dev/convokit/pkg/session"
	"github.com/convokit-dev/convokit/pkg/session/backends"
)

var version = "dev"

var (
	flagURI     string
	flagConfig  string
	flagTTL     time.Duration
	flagApp     string
	flagUser    string
	flagTrace   bool
	flagMetrics bool
)

func main() {
	root := &cobra.Command{
		Use:     "convokit",
		Short:   "Inspect and mutate conversational session stores",
		Version: version,
		Long: `convokit operates on session stores addressed by URI, e.g.

  convokit list --uri redis://localhost:6379/0 --app chat --user u1
  convokit append --uri memory:// --app chat --user u1 SESSION '{"author":"u1","actions":{"state_delta":{"x":1}}}'`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagURI, "uri", "", "storage URI (overrides config)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "YAML config file")
	root.PersistentFlags().DurationVar(&flagTTL, "ttl", 0, "session TTL (0 = backend default)")
	root.PersistentFlags().StringVar(&flagApp, "app", "", "app name")
	root.PersistentFlags().StringVar(&flagUser, "user", "", "user ID")
	root.PersistentFlags().BoolVar(&flagTrace, "trace", false, "print otel spans to stderr")
	root.PersistentFlags().BoolVar(&flagMetrics, "metrics", false, "record Prometheus metrics")

	root.AddCommand(createCmd(), listCmd(), showCmd(), appendCmd(), deleteCmd(), serveCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the resolved backend with the façade commands run through.
type app struct {
	svc   *session.Service
	store session.Store
	cfg   session.Config
}

// openApp resolves the configured backend and wraps it in the façade.
// The returned cleanup closes the store and flushes tracing.
func openApp(ctx context.Context) (*app, func(), error) {
	cfg := session.DefaultConfig()
	if flagConfig != "" {
		var err error
		cfg, err = session.LoadConfig(flagConfig)
		if err != nil {
			return nil, nil, err
		}
	}
	if flagURI != "" {
		cfg.URI = flagURI
	}

	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	if flagTTL > 0 {
		opts.TTL = flagTTL
	}

	shutdownTracing := func(context.Context) error { return nil }
	if flagTrace {
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, nil, fmt.Errorf("create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		shutdownTracing = tp.Shutdown
	}

	store, err := backends.NewRegistry().Resolve(cfg.URI, opts)
	if err != nil {
		return nil, nil, err
	}
	if flagMetrics || cfg.MetricsPort > 0 {
		store = observability.NewInstrumentedStore(store, schemeOf(cfg.URI))
	}

	svc := session.NewService(store,
		session.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))),
	)
	cleanup := func() {
		if err := svc.Close(); err != nil {
			slog.Error("close store", "error", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}
	return &app{svc: svc, store: store, cfg: cfg}, cleanup, nil
}

func schemeOf(uri string) string {
	for i, r := range uri {
		if r == ':' {
			return uri[:i]
		}
	}
	return uri
}

func requireAppUser() error {
	if flagApp == "" || flagUser == "" {
		return fmt.Errorf("--app and --user are required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createCmd() *cobra.Command {
	var sessionID string
	var stateJSON string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAppUser(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			opts := session.CreateOptions{SessionID: sessionID}
			if stateJSON != "" {
				if err := json.Unmarshal([]byte(stateJSON), &opts.State); err != nil {
					return fmt.Errorf("parse --state: %w", err)
				}
			}
			sess, err := a.svc.CreateSession(cmd.Context(), flagApp, flagUser, opts)
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}
	cmd.Flags().StringVar(&sessionID, "id", "", "explicit session ID")
	cmd.Flags().StringVar(&stateJSON, "state", "", "initial state as JSON object")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a user's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAppUser(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			sessions, err := a.svc.ListSessions(cmd.Context(), flagApp, flagUser)
			if err != nil {
				return err
			}
			return printJSON(sessions)
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Show a session with its full event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAppUser(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := a.svc.GetSession(cmd.Context(), flagApp, flagUser, args[0])
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}
}

func appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append SESSION_ID EVENT_JSON",
		Short: "Append an event to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAppUser(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var ev session.Event
			if err := json.Unmarshal([]byte(args[1]), &ev); err != nil {
				return fmt.Errorf("parse event: %w", err)
			}
			if err := a.svc.AppendEvent(cmd.Context(), flagApp, flagUser, args[0], &ev); err != nil {
				return err
			}
			fmt.Printf("appended event %s to %s\n", ev.ID, args[0])
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete SESSION_ID",
		Short: "Delete a session (idempotent)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAppUser(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.svc.DeleteSession(cmd.Context(), flagApp, flagUser, args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose store health and Prometheus metrics over HTTP",
		Long: `serve resolves the configured backend and serves /health, /health/live,
/health/ready and /metrics until interrupted. The port comes from --port or
the config file's metrics_port.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if port == 0 {
				port = a.cfg.MetricsPort
			}
			if port <= 0 {
				return fmt.Errorf("no listen port: set --port or metrics_port in the config")
			}

			observability.InitMetrics()
			checker := observability.NewHealthChecker()
			if p, ok := a.store.(session.Pinger); ok {
				checker.RegisterCheck(observability.StoreCheck("store", p))
			}

			srv := observability.NewServer(port, checker)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			slog.Info("observability server listening", "port", port, "uri", a.cfg.URI)
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (defaults to the config's metrics_port)")
	return cmd
}
