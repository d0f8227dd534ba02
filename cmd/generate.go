package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/ollama"
)

var (
	generateNoStream bool
	generateSeed     int64
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>...",
	Short: "Complete a single prompt without a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGenerate,
}

func init() {
	generateCmd.Flags().StringP("model", "m", "", "model to use (model:tag)")
	generateCmd.Flags().BoolVar(&generateNoStream, "no-stream", false, "wait for the full response")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 0, "random seed (0 picks one)")
	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, map[string]string{"model": "model"})
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	req := ollama.GenerateRequest{
		Model:   e.cfg.Model,
		Prompt:  strings.Join(args, " "),
		Stream:  !generateNoStream,
		Options: e.cfg.Options,
	}
	if generateSeed != 0 {
		req.Seed = &generateSeed
	}

	body, err := e.client().Generate(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	if req.Stream {
		if _, err := io.Copy(os.Stdout, body); err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		fmt.Println()
		return nil
	}

	var resp struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Println(resp.Response)
	return nil
}
