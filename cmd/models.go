package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/catalog"
	"github.com/zhubert/olla/internal/ollama"
	"github.com/zhubert/olla/internal/ui"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models available on the server",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "print the raw model list as JSON")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, map[string]string{})
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	cat := catalog.New(e.client(), e.logger)
	if err := cat.Refresh(ctx); err != nil && !errors.Is(err, ollama.ErrNoModels) {
		return fmt.Errorf("loading models: %w", err)
	}
	models := cat.Models()
	if models == nil {
		models = []ollama.Model{}
	}

	if modelsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}

	if len(models) == 0 {
		fmt.Println("No models installed. Download one with: olla pull <name:tag>")
		return nil
	}

	fmt.Printf("%-4s  %s  %-10s  %-8s  %s\n", "#", runewidth.FillRight("MODEL", 40), "PARAMS", "QUANT", "SIZE")
	for i, m := range models {
		fmt.Printf("%-4d  %s  %-10s  %-8s  %s\n",
			i+1,
			runewidth.FillRight(runewidth.Truncate(m.ID(), 40, "…"), 40),
			m.Details.ParameterSize,
			m.Details.QuantizationLevel,
			ui.DimStyle.Render(formatBytes(m.Size)),
		)
	}
	return nil
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "-"
	}
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
