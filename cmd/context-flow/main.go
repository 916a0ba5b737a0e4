// context-flow indexes coding-assistant transcripts for full-text search.
//
// Usage:
//
//	context-flow mcp                 Start the MCP server (stdio transport)
//	context-flow serve               Start the HTTP API with scheduled rescans
//	context-flow tui                 Browse the index in the terminal
//	context-flow index               Run an incremental indexing pass
//	context-flow search <query>      Search indexed messages
//	context-flow conversation <id>   Print a session or slug chain as markdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mattpollak/context-flow/internal/config"
	"github.com/mattpollak/context-flow/internal/indexer"
	"github.com/mattpollak/context-flow/internal/markers"
	"github.com/mattpollak/context-flow/internal/mcp"
	"github.com/mattpollak/context-flow/internal/query"
	"github.com/mattpollak/context-flow/internal/server"
	"github.com/mattpollak/context-flow/internal/store"
	"github.com/mattpollak/context-flow/internal/tui"
)

const version = "0.1.0"

// Set by the root command before any subcommand runs.
var cfg config.Config

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "context-flow: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath  string
		dataDir     string
		transcripts string
		logLevel    string
	)

	root := &cobra.Command{
		Use:           "context-flow",
		Short:         "Full-text search over coding-assistant transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("data-dir") {
				loaded.DataDir = dataDir
			}
			if flags.Changed("transcripts") {
				loaded.TranscriptRoot = transcripts
			}
			if flags.Changed("log-level") {
				loaded.LogLevel = logLevel
			}
			if err := loaded.Validate(); err != nil {
				return errors.Wrap(err, "invalid configuration")
			}
			cfg = loaded
			setupLogging(cfg.Level())
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/context-flow/config.yaml)")
	pf.StringVar(&dataDir, "data-dir", "", "directory holding the index database")
	pf.StringVar(&transcripts, "transcripts", "", "transcript root directory")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		mcpCmd(),
		serveCmd(),
		tuiCmd(),
		indexCmd(),
		reindexCmd(),
		searchCmd(),
		sessionsCmd(),
		conversationCmd(),
		tagCmd(),
		tagsCmd(),
		statsCmd(),
		versionCmd(),
	)
	return root
}

// setupLogging sends logs to stderr; stdout belongs to command output and
// the MCP stdio channel.
func setupLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// ─── Wiring ──────────────────────────────────────────────────────────────────

type app struct {
	store *store.Store
	svc   *query.Service
}

func openApp() (*app, error) {
	s, err := store.New(cfg.Store())
	if err != nil {
		return nil, err
	}
	ix := indexer.New(s, indexer.Options{
		TranscriptRoot: cfg.TranscriptRoot,
		Workers:        cfg.Workers,
		Markers:        markers.NewDir(cfg.MarkerDir),
	})
	return &app{store: s, svc: query.New(s, ix, cfg.Limits())}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("close store")
	}
}

// withApp opens the store for the duration of fn.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

// startupPass brings the index up to date before serving. Failure is logged,
// not fatal: a stale index is still searchable.
func startupPass(ctx context.Context, svc *query.Service) {
	st, err := svc.Index(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("startup index pass failed")
		return
	}
	log.Info().
		Int("files", st.Files).
		Int("messages", st.Messages).
		Float64("seconds", st.DurationSeconds).
		Msg("startup index pass complete")
}

// ─── Servers ─────────────────────────────────────────────────────────────────

func mcpCmd() *cobra.Command {
	var tools string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server (stdio transport)",
		Long: `Start the MCP server on stdin/stdout.

--tools limits the registered tools: "read" (search_history, list_sessions,
get_conversation, list_tags, index_stats), "write" (tag_message, tag_session,
reindex), "all", or individual tool names, comma separated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				startupPass(ctx, a.svc)
				srv := mcp.NewServerWithTools(a.svc, version, mcp.ResolveTools(tools))
				return errors.Wrap(mcpserver.ServeStdio(srv), "serve stdio")
			})
		},
	}
	cmd.Flags().StringVar(&tools, "tools", "all", "tool allowlist")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and scheduled rescans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.HTTPAddr
			}
			return withApp(func(ctx context.Context, a *app) error {
				startupPass(ctx, a.svc)
				srv := server.New(a.svc, server.Config{Addr: addr, RescanSchedule: cfg.RescanSchedule})
				return srv.Start(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config http_addr)")
	return cmd
}

func tuiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Browse the index in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// log lines would tear the alt screen
			zerolog.SetGlobalLevel(zerolog.Disabled)
			return withApp(func(ctx context.Context, a *app) error {
				p := tea.NewProgram(tui.New(a.svc, version), tea.WithContext(ctx))
				_, err := p.Run()
				return errors.Wrap(err, "run tui")
			})
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// no config needed
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("context-flow %s\n", version)
		},
	}
}
