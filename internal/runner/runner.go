package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/zhubert/olla/internal/catalog"
	"github.com/zhubert/olla/internal/chat"
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/session"
	"github.com/zhubert/olla/internal/stream"
	"github.com/zhubert/olla/internal/token"
	"github.com/zhubert/olla/internal/ui"
	"github.com/zhubert/olla/internal/version"
)

// reloadInterval is the delay between attempts to load the model list.
const reloadInterval = 5 * time.Second

// Config wires a Runner.
type Config struct {
	Chat    *chat.Session
	Catalog *catalog.Catalog
	// Store and Session persist the conversation. Both may be nil.
	Store   *session.Store
	Session *session.Session
	Logger  *slog.Logger

	Host        string
	HistoryFile string
	// SaveOptions persists sampling options for /settings save. May be nil.
	SaveOptions func(ollama.Options) error

	Out io.Writer
	// TTY enables the spinner, the progress bar and styled markdown.
	TTY   bool
	Width int
}

// Runner handles the readline interaction loop.
type Runner struct {
	chat    *chat.Session
	catalog *catalog.Catalog
	logger  *slog.Logger

	host        string
	historyFile string
	saveOptions func(ollama.Options) error

	out       io.Writer
	tty       bool
	md        *ui.Markdown
	indicator *ui.Indicator
	progress  *ui.ProgressBar
	limits    token.ContextLimits

	// persistMu guards the saved session.
	persistMu sync.Mutex
	store     *session.Store
	saved     *session.Session

	// outMu serializes writes from the background model loader.
	outMu sync.Mutex
	rl    *readline.Instance

	reloadEvery time.Duration
}

// New creates a new Runner and registers the persistence hook on the chat session.
func New(cfg Config) *Runner {
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	style := "notty"
	if cfg.TTY {
		style = "tokyo-night"
	}
	md, err := ui.NewMarkdown(style, 0)
	if err != nil {
		logger.Warn("markdown rendering disabled", "error", err)
		md = nil
	}

	r := &Runner{
		chat:        cfg.Chat,
		catalog:     cfg.Catalog,
		logger:      logger,
		host:        cfg.Host,
		historyFile: cfg.HistoryFile,
		saveOptions: cfg.SaveOptions,
		out:         out,
		tty:         cfg.TTY,
		md:          md,
		indicator:   ui.NewIndicator(out, cfg.TTY),
		progress:    ui.NewProgressBar(out, progressWidth(cfg.Width), cfg.TTY),
		limits:      token.DefaultLimits(cfg.Chat.Options().MaxTokens),
		store:       cfg.Store,
		saved:       cfg.Session,
		reloadEvery: reloadInterval,
	}
	r.chat.OnChange(r.persist)
	return r
}

func progressWidth(termWidth int) int {
	w := termWidth - 40
	if w < 10 {
		return 10
	}
	if w > 50 {
		return 50
	}
	return w
}

// Run starts the main interaction loop.
func (r *Runner) Run(ctx context.Context) error {
	r.printWelcome()

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go r.loadModels(ctx)

	// Ctrl+C while a reply streams cancels the reply, not the program.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ui.BoldStyle.Render("> "),
		HistoryFile:     r.historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          r.out,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()
	r.outMu.Lock()
	r.rl = rl
	r.outMu.Unlock()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue // Ctrl+C clears line, continue prompting
			}
			if errors.Is(err, io.EOF) {
				r.println("Goodbye.")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if quit := r.Handle(ctx, line, sigCh); quit {
			r.println("Goodbye.")
			return nil
		}
	}
}

// Handle processes one line of input and reports whether the user asked to quit.
func (r *Runner) Handle(ctx context.Context, line string, sigCh <-chan os.Signal) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	lower := strings.ToLower(input)
	if lower == "exit" || lower == "quit" {
		return true
	}

	if strings.HasPrefix(input, "/") {
		r.handleSlashCommand(ctx, input, sigCh)
		return false
	}

	if err := r.processInput(ctx, input, sigCh); err != nil {
		r.println(ui.ErrorLine(err))
	}
	return false
}

func (r *Runner) processInput(ctx context.Context, input string, sigCh <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.chat.Send(ctx, input)
	if err != nil {
		return err
	}

	r.println("")
	r.indicator.Start("Thinking...")
	defer r.indicator.Stop()

	md := ui.NewMarkdownStream(r.md, r.out)

	for {
		select {
		case <-sigCh:
			cancel()
			r.indicator.Stop()
			md.Flush()
			r.println(ui.WarningStyle.Render("\n[Cancelled]"))
			// The session stays busy until its reply stream has wound down.
			for range ch {
			}
			return nil

		case reply, ok := <-ch:
			if !ok {
				md.Flush()
				return nil
			}

			if reply.Delta != "" {
				r.indicator.Stop()
				md.Write(reply.Delta)
			}

			if reply.Err != nil {
				r.indicator.Stop()
				md.Flush()
				if md.Wrote() {
					r.println("")
				}
				var serr *stream.ServerError
				if errors.As(reply.Err, &serr) {
					r.println(ui.ErrorStyle.Render("[ERROR: " + serr.Message + "]"))
					return nil
				}
				return reply.Err
			}

			if reply.Done {
				r.indicator.Stop()
				md.Flush()
				r.println("")
				r.warnContext()
				return nil
			}
		}
	}
}

// warnContext prints a notice when the history nears the context window.
func (r *Runner) warnContext() {
	used := r.chat.TokenCount()
	if r.limits.NearLimit(used) {
		r.println(ui.WarningStyle.Render(fmt.Sprintf(
			"Conversation is ~%d tokens of ~%d available. Use /new to start over.",
			used, r.limits.AvailableTokens())))
	}
}

// loadModels fills the catalog, retrying until it succeeds or ctx ends.
func (r *Runner) loadModels(ctx context.Context) {
	for {
		err := r.catalog.Refresh(ctx)
		if err == nil {
			r.selectDefaultModel()
			return
		}
		r.notify(ui.SystemLine("Error: %v (retrying in %s)", err, r.reloadEvery))

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.reloadEvery):
		}
	}
}

// selectDefaultModel picks the first listed model when none is chosen.
func (r *Runner) selectDefaultModel() {
	if r.chat.Model() != "" {
		return
	}
	ids := r.catalog.IDs()
	if len(ids) == 0 {
		return
	}
	r.chat.SetModel(ids[0])
	r.notify(ui.SystemLine("Using model %s", ids[0]))
}

// persist saves the conversation after every change. An empty history
// deletes the saved file and starts a fresh session.
func (r *Runner) persist(messages []ollama.Message) {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if r.store == nil || r.saved == nil {
		return
	}

	if len(messages) == 0 {
		if err := r.store.Delete(r.saved.ID); err != nil {
			r.logger.Warn("deleting session failed", "id", r.saved.ID, "error", err)
		}
		fresh, err := session.NewSession()
		if err != nil {
			r.logger.Error("creating session failed", "error", err)
			return
		}
		r.saved = fresh
		return
	}

	r.saved.Model = r.chat.Model()
	r.saved.SystemPrompt = r.chat.SystemPrompt()
	r.saved.SetMessages(messages)
	if err := r.store.Save(r.saved); err != nil {
		r.logger.Error("saving session failed", "id", r.saved.ID, "error", err)
	}
}

// SessionID returns the ID of the conversation being saved.
func (r *Runner) SessionID() string {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.saved == nil {
		return ""
	}
	return r.saved.ID
}

func (r *Runner) printWelcome() {
	h := ui.Header{
		Version: version.Version,
		Model:   r.chat.Model(),
		Host:    r.host,
	}
	if r.saved != nil && len(r.saved.Messages) > 0 {
		h.Resumed = r.saved.Title
	}
	r.println(h.View())
	r.println("")
}

func (r *Runner) println(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, s)
}

// notify prints a line from a background goroutine without breaking the prompt.
func (r *Runner) notify(s string) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	if r.rl != nil {
		fmt.Fprintln(r.rl, s)
		return
	}
	fmt.Fprintln(r.out, s)
}
