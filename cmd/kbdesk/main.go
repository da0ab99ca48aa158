package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/kbdesk/internal/config"
	"github.com/user/kbdesk/internal/preview"
	"github.com/user/kbdesk/internal/query"
	"github.com/user/kbdesk/internal/session"
	"github.com/user/kbdesk/internal/state"
	"github.com/user/kbdesk/internal/telemetry"
	"github.com/user/kbdesk/internal/views"
	"github.com/user/kbdesk/pkg/kbapi"
)

var version = "dev"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "kbdesk",
	Short:         "Knowledge base desk: documents and chat from the terminal",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".kbdesk", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
}

// cliNavigator sends the user back to `kbdesk login` when the server
// rejects the session.
type cliNavigator struct{}

func (cliNavigator) RedirectToLogin(reason string) {
	fmt.Fprintf(os.Stderr, "%s %s. Run `kbdesk login` to sign in again.\n",
		color.YellowString("!"), capitalize(reason))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// app is the wired client: token persistence, the API client and its
// middleware chain, the session and the cached views.
type app struct {
	cfg     *config.Config
	tokens  *state.TokenStore
	api     *kbapi.Client
	session *session.Store
	cache   *query.Client
	docs    *views.Documents
	chat    *views.Chat
	tracing *telemetry.Provider
}

func newApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	tracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, tracing: tracing}
	a.tokens = state.NewTokenStore(cfg.DataDir)
	a.api = kbapi.New(&kbapi.Config{BaseURL: cfg.APIURL, Timeout: cfg.TimeoutDuration()})
	a.session = session.New(a.api, a.tokens)
	redirect := kbapi.RedirectHook(cliNavigator{})
	a.api.Use(
		kbapi.RequestID(),
		kbapi.Tracing(tracing.Tracer()),
		kbapi.Logging(slog.Default()),
		kbapi.BearerAuth(a.tokens),
		kbapi.Unauthorized(a.tokens, a.session.HandleUnauthorized, func() {
			// A rejected login reports its own error.
			if a.session.Snapshot().Status != session.Authenticating {
				redirect()
			}
		}),
	)

	a.cache = query.NewClient(
		query.WithStaleTime(cfg.StaleTime()),
		query.WithGCTime(cfg.GCTime()),
	)

	renderer, err := preview.New(cfg.Preview.Model, cfg.Preview.MaxTokens)
	if err != nil {
		slog.Warn("preview tokenizer unavailable, previews will not be truncated", "error", err)
	}
	a.docs = views.NewDocuments(a.api, a.cache,
		views.WithPollInterval(cfg.PollInterval()),
		views.WithRenderer(renderer),
		views.WithUploadParallel(cfg.UploadParallel),
	)
	a.chat = views.NewChat(a.api, a.cache,
		views.WithSelectionStore(state.NewSelectionStore(cfg.DataDir)),
	)
	return a, nil
}

// requireAuth validates the persisted token against the server.
func (a *app) requireAuth(ctx context.Context) (session.Snapshot, error) {
	snap, err := a.session.CheckAuth(ctx)
	if err != nil {
		return snap, err
	}
	if !snap.IsAuthenticated {
		return snap, fmt.Errorf("not logged in; run `kbdesk login`")
	}
	return snap, nil
}

func (a *app) Close() {
	a.docs.Close()
	a.chat.Close()
	a.cache.Close()
	if err := a.tracing.Shutdown(context.Background()); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
}

// withApp runs fn with a wired app, closing it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withSession is withApp for commands that need a logged-in user.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if _, err := a.requireAuth(ctx); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}
