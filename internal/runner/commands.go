package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/zhubert/olla/internal/catalog"
	"github.com/zhubert/olla/internal/chat"
	"github.com/zhubert/olla/internal/config"
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/stream"
	"github.com/zhubert/olla/internal/token"
	"github.com/zhubert/olla/internal/ui"
)

func (r *Runner) handleSlashCommand(ctx context.Context, input string, sigCh <-chan os.Signal) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/model", "/m":
		r.handleModelCommand(args)
	case "/models":
		r.refreshModels(ctx)
	case "/pull":
		r.handlePullCommand(ctx, args, sigCh)
	case "/new", "/clear":
		if err := r.chat.Reset(); err != nil {
			r.println(ui.ErrorLine(err))
			return
		}
		r.println(ui.SuccessStyle.Render("Started a new conversation."))
	case "/image", "/img":
		r.handleImageCommand(args)
	case "/system", "/sys":
		r.handleSystemCommand(strings.TrimSpace(strings.TrimPrefix(input, parts[0])))
	case "/set":
		r.handleSetCommand(args)
	case "/settings":
		r.handleSettingsCommand(args)
	case "/help", "/h", "/?":
		r.handleHelpCommand()
	default:
		r.println(ui.ErrorStyle.Render(fmt.Sprintf("Unknown command: %s. Type /help for available commands.", cmd)))
	}
}

func (r *Runner) handleHelpCommand() {
	help := `
Available commands:
  /model, /m               - Show or change the current model
    list                   - Show available models
    <number>               - Switch by number (e.g. /m 3)
    <name>                 - Switch by name (e.g. /m mistral)
  /models                  - Reload the model list from the server
  /pull <name:tag>         - Download a model (e.g. /pull llama2:7b)
  /new, /clear             - Start a new conversation
  /image <path>...         - Attach images to the next message
    list                   - Show pending attachments
    rm <number>            - Remove one attachment
    clear                  - Remove all attachments
  /system [prompt]         - Show, set or clear ("/system clear") the system prompt
  /set <param> <value>     - Change a sampling parameter
                             (temperature, top_p, top_k, max_tokens, presence_penalty)
  /settings [save]         - Show (or save as defaults) the sampling parameters
  /help, /h, /?            - Show this help message

  exit, quit               - Close the application
`
	r.println(help)
}

func (r *Runner) handleModelCommand(args []string) {
	if len(args) == 0 {
		r.listModels()
		return
	}

	sub := strings.ToLower(args[0])
	if sub == "list" || sub == "ls" || sub == "l" {
		r.listModels()
		return
	}
	r.switchModel(strings.Join(args, " "))
}

func (r *Runner) listModels() {
	current := r.chat.Model()
	if current == "" {
		r.println("\nCurrent model: " + ui.WarningStyle.Render("none"))
	} else {
		r.println("\nCurrent model: " + ui.BoldStyle.Render(current))
	}

	models := r.catalog.Models()
	if !r.catalog.Loaded() {
		r.println(ui.SystemLine("Model list not loaded yet. Try /models."))
		return
	}
	if len(models) == 0 {
		r.println(ui.SystemLine("No models installed. Use /pull <name:tag>."))
		return
	}

	r.println("\nAvailable models:")
	for i, m := range models {
		marker := "  "
		if m.ID() == current {
			marker = ui.SuccessStyle.Render("→ ")
		}
		r.println(fmt.Sprintf("%s%s %s %s",
			marker,
			ui.AccentStyle.Render(fmt.Sprintf("[%d]", i+1)),
			runewidth.FillRight(runewidth.Truncate(m.ID(), 40, "…"), 40),
			ui.DimStyle.Render(describeModel(m))))
	}
	r.println("\nUsage: /m <number> or /m <name>")
}

func describeModel(m ollama.Model) string {
	var parts []string
	if m.Details.ParameterSize != "" {
		parts = append(parts, m.Details.ParameterSize)
	}
	if m.Details.QuantizationLevel != "" {
		parts = append(parts, m.Details.QuantizationLevel)
	}
	if m.Size > 0 {
		parts = append(parts, formatBytes(m.Size))
	}
	return strings.Join(parts, " · ")
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (r *Runner) switchModel(query string) {
	m, err := r.catalog.Match(query)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			r.println(ui.ErrorStyle.Render(err.Error()))
			r.println("Use /model list to see available models.")
			return
		}
		r.println(ui.ErrorLine(err))
		return
	}
	if err := ollama.ValidateModel(m.ID()); err != nil {
		r.println(ui.ErrorLine(err))
		return
	}
	r.chat.SetModel(m.ID())
	r.println("Switched to " + ui.SuccessStyle.Render(m.ID()))
}

func (r *Runner) refreshModels(ctx context.Context) {
	if err := r.catalog.Refresh(ctx); err != nil {
		r.println(ui.ErrorLine(err))
		return
	}
	r.selectDefaultModel()
	r.println(ui.SuccessStyle.Render(fmt.Sprintf("Loaded %d models.", len(r.catalog.Models()))))
}

func (r *Runner) handlePullCommand(ctx context.Context, args []string, sigCh <-chan os.Signal) {
	if len(args) == 0 {
		r.println(ui.ErrorStyle.Render("Usage: /pull <name:tag> (find models at https://ollama.com/library)"))
		return
	}
	name := args[0]

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancel the download on Ctrl+C.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-done:
		}
	}()

	r.println(ui.SystemLine("Pulling %s...", name))
	err := r.catalog.Pull(ctx, name, func(p stream.Progress) {
		r.progress.Update(p)
	})
	r.progress.Done()

	switch {
	case err == nil:
		r.println(ui.SuccessStyle.Render(fmt.Sprintf("Successfully downloaded %s", name)))
		r.selectDefaultModel()
	case ctx.Err() != nil:
		r.println(ui.WarningStyle.Render("[Cancelled]"))
	default:
		var serr *stream.ServerError
		if errors.As(err, &serr) {
			r.println(ui.ErrorStyle.Render("Download failed: " + serr.Message))
			return
		}
		r.println(ui.ErrorLine(err))
	}
}

func (r *Runner) handleImageCommand(args []string) {
	if len(args) == 0 || strings.EqualFold(args[0], "list") || strings.EqualFold(args[0], "ls") {
		r.listAttachments()
		return
	}

	switch strings.ToLower(args[0]) {
	case "clear":
		r.chat.ClearAttachments()
		r.println("Attachments cleared.")
		return
	case "rm", "remove":
		if len(args) < 2 {
			r.println(ui.ErrorStyle.Render("Usage: /image rm <number>"))
			return
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			r.println(ui.ErrorStyle.Render(fmt.Sprintf("Invalid attachment number: %s", args[1])))
			return
		}
		if err := r.chat.Detach(n - 1); err != nil {
			r.println(ui.ErrorLine(err))
			return
		}
		r.println(fmt.Sprintf("Removed attachment %d.", n))
		return
	}

	for _, path := range args {
		a, err := chat.LoadAttachment(path)
		if err != nil {
			r.println(ui.ErrorLine(err))
			continue
		}
		r.chat.Attach(a)
		r.println(fmt.Sprintf("Attached %s %s", ui.AccentStyle.Render(a.Name), ui.DimStyle.Render("("+a.MIME+")")))
	}
}

func (r *Runner) listAttachments() {
	pending := r.chat.Attachments()
	if len(pending) == 0 {
		r.println("No images attached. Usage: /image <path>...")
		return
	}
	r.println("\nAttached images:")
	for i, a := range pending {
		r.println(fmt.Sprintf("  %s %s %s", ui.AccentStyle.Render(fmt.Sprintf("[%d]", i+1)), a.Name, ui.DimStyle.Render(a.MIME)))
	}
}

func (r *Runner) handleSystemCommand(prompt string) {
	switch {
	case prompt == "":
		current := r.chat.SystemPrompt()
		if current == "" {
			r.println("No system prompt set. Usage: /system <prompt>")
			return
		}
		r.println("System prompt: " + ui.DimStyle.Render(current))
	case strings.EqualFold(prompt, "clear"):
		r.chat.SetSystemPrompt("")
		r.println("System prompt cleared.")
	default:
		r.chat.SetSystemPrompt(prompt)
		r.println("System prompt set.")
	}
}

func (r *Runner) handleSetCommand(args []string) {
	if len(args) != 2 {
		r.println(ui.ErrorStyle.Render("Usage: /set <param> <value>"))
		return
	}

	opts := r.chat.Options()
	if err := setOption(&opts, args[0], args[1]); err != nil {
		r.println(ui.ErrorLine(err))
		return
	}
	if err := config.ValidateOptions(opts); err != nil {
		r.println(ui.ErrorLine(err))
		return
	}
	r.chat.SetOptions(opts)
	r.limits = token.DefaultLimits(opts.MaxTokens)
	r.println(fmt.Sprintf("Set %s to %s", strings.ToLower(args[0]), args[1]))
}

// setOption parses value into the named sampling parameter.
func setOption(o *ollama.Options, name, value string) error {
	switch strings.ToLower(name) {
	case "temperature", "temp":
		return parseFloat(&o.Temperature, name, value)
	case "top_p", "topp":
		return parseFloat(&o.TopP, name, value)
	case "presence_penalty", "penalty":
		return parseFloat(&o.PresencePenalty, name, value)
	case "top_k", "topk":
		return parseInt(&o.TopK, name, value)
	case "max_tokens", "max":
		return parseInt(&o.MaxTokens, name, value)
	}
	return fmt.Errorf("unknown parameter %q", name)
}

func parseFloat(dst *float64, name, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%s must be a number", name)
	}
	*dst = v
	return nil
}

func parseInt(dst *int, name, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("%s must be an integer", name)
	}
	*dst = v
	return nil
}

func (r *Runner) handleSettingsCommand(args []string) {
	opts := r.chat.Options()
	if len(args) > 0 && strings.EqualFold(args[0], "save") {
		if r.saveOptions == nil {
			r.println(ui.ErrorStyle.Render("Settings cannot be saved in this session."))
			return
		}
		if err := r.saveOptions(opts); err != nil {
			r.println(ui.ErrorLine(err))
			return
		}
		r.println(ui.SuccessStyle.Render("Settings saved."))
		return
	}

	model := r.chat.Model()
	if model == "" {
		model = "none"
	}
	lines := []string{
		fmt.Sprintf("model             %s", model),
		fmt.Sprintf("temperature       %g", opts.Temperature),
		fmt.Sprintf("top_p             %g", opts.TopP),
		fmt.Sprintf("top_k             %d", opts.TopK),
		fmt.Sprintf("max_tokens        %d", opts.MaxTokens),
		fmt.Sprintf("presence_penalty  %g", opts.PresencePenalty),
		fmt.Sprintf("context           ~%d / %d tokens", r.chat.TokenCount(), r.limits.AvailableTokens()),
	}
	if sp := r.chat.SystemPrompt(); sp != "" {
		lines = append(lines, "system            "+runewidth.Truncate(sp, 60, "…"))
	}
	r.println("\n" + strings.Join(lines, "\n") + "\n")
}
