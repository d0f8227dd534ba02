package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/catalog"
	"github.com/zhubert/olla/internal/chat"
	"github.com/zhubert/olla/internal/config"
	"github.com/zhubert/olla/internal/logging"
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/runner"
	"github.com/zhubert/olla/internal/session"
	"github.com/zhubert/olla/internal/ui"
	"github.com/zhubert/olla/internal/version"
)

var (
	cfgFile    string
	resumeFlag string
)

var rootCmd = &cobra.Command{
	Use:           "olla",
	Short:         "Chat with local language models served by Ollama",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorLine(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.olla/config.yaml)")
	rootCmd.PersistentFlags().String("host", "", "chat server URL (default "+ollama.DefaultBaseURL+")")

	rootCmd.Flags().StringP("model", "m", "", "model to chat with (model:tag)")
	rootCmd.Flags().StringP("system", "s", "", "system prompt")
	rootCmd.Flags().StringVarP(&resumeFlag, "resume", "r", "", `resume a saved session by ID, or "last"`)
}

// env is the state shared by every command after setup.
type env struct {
	cfg     *config.Config
	loader  *config.Loader
	logger  *slog.Logger
	cleanup func() error
}

func (e *env) close() {
	if e.cleanup == nil {
		return
	}
	if err := e.cleanup(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
	}
}

// setup loads the configuration, binding each config key to the named flag
// of cmd, and opens the debug log.
func setup(cmd *cobra.Command, flags map[string]string) (*env, error) {
	loader, err := config.NewLoader("")
	if err != nil {
		return nil, fmt.Errorf("preparing config: %w", err)
	}
	flags["host"] = "host"
	for key, name := range flags {
		if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return nil, err
		}
	}

	cfg, err := loader.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, cleanup, err := logging.Setup(cfg.Dir, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	logger.Info("starting olla", "command", cmd.Name(), "host", cfg.Host, "version", version.String())
	return &env{cfg: cfg, loader: loader, logger: logger, cleanup: cleanup}, nil
}

func (e *env) client() *ollama.Client {
	opts := []ollama.Option{ollama.WithLogger(e.logger)}
	if !e.cfg.SkipBrowserWarning {
		opts = append(opts, ollama.WithoutHeader("ngrok-skip-browser-warning"))
	}
	return ollama.New(e.cfg.Host, opts...)
}

// signalContext is cancelled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runChat(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, map[string]string{
		"model":         "model",
		"system_prompt": "system",
	})
	if err != nil {
		return err
	}
	defer e.close()

	store, err := session.NewStore(e.cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}

	saved, err := resumeSession(store, resumeFlag)
	if err != nil {
		return err
	}

	settings := chat.Settings{
		Model:        e.cfg.Model,
		SystemPrompt: e.cfg.SystemPrompt,
		Options:      e.cfg.Options,
	}
	if len(saved.Messages) > 0 {
		if !cmd.Flags().Changed("model") && saved.Model != "" {
			settings.Model = saved.Model
		}
		if !cmd.Flags().Changed("system") {
			settings.SystemPrompt = saved.SystemPrompt
		}
	}

	client := e.client()
	sess := chat.NewSession(client, settings, e.logger)
	sess.SetMessages(saved.Messages)

	tty := ui.IsTerminal(os.Stdout)
	r := runner.New(runner.Config{
		Chat:        sess,
		Catalog:     catalog.New(client, e.logger),
		Store:       store,
		Session:     saved,
		Logger:      e.logger,
		Host:        client.BaseURL(),
		HistoryFile: e.cfg.HistoryFile(),
		SaveOptions: func(opts ollama.Options) error {
			return saveOptions(e, opts)
		},
		Out:   os.Stdout,
		TTY:   tty,
		Width: ui.TerminalWidth(),
	})

	if err := r.Run(context.Background()); err != nil {
		return err
	}
	e.logger.Info("session ended", "session", r.SessionID())
	return nil
}

// resumeSession loads the session named by id ("last" for the most recent)
// or starts a new one when id is empty.
func resumeSession(store *session.Store, id string) (*session.Session, error) {
	switch id {
	case "":
		return session.NewSession()
	case "last":
		s, err := store.MostRecent()
		if err != nil {
			return nil, fmt.Errorf("loading most recent session: %w", err)
		}
		if s == nil {
			return session.NewSession()
		}
		return s, nil
	default:
		s, err := store.Load(id)
		if err != nil {
			return nil, fmt.Errorf("loading session: %w", err)
		}
		return s, nil
	}
}

// saveOptions writes opts into the user config file, keeping its other settings.
func saveOptions(e *env, opts ollama.Options) error {
	return config.SaveOptions(e.loader.UserFile(), opts)
}
