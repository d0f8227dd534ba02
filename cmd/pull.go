package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/catalog"
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/ui"
)

var pullCmd = &cobra.Command{
	Use:   "pull <name:tag>",
	Short: "Download a model onto the server",
	Long:  `Download a model and show its progress. Browse models at https://ollama.com/library.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, map[string]string{})
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	name := args[0]
	tty := ui.IsTerminal(os.Stdout)
	bar := ui.NewProgressBar(os.Stdout, 40, tty)

	cat := catalog.New(e.client(), e.logger)
	err = cat.Pull(ctx, name, bar.Update)
	bar.Done()

	switch {
	case err == nil:
		fmt.Println(ui.SuccessStyle.Render("Successfully downloaded " + name))
		return nil
	case ctx.Err() != nil:
		return errors.New("download cancelled")
	}

	var serr *ollama.ServerError
	if errors.As(err, &serr) {
		return fmt.Errorf("download failed: %s", serr.Message)
	}
	return fmt.Errorf("pulling %s: %w", name, err)
}
