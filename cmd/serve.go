package cmd

import (
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/zhubert/olla/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server in front of a local Ollama",
	Long: `Run the HTTP server the chat client talks to. It forwards requests to
Ollama (OLLAMA_HOST, default ` + server.DefaultUpstream + `) and streams replies
back as data: records.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default "+server.DefaultAddr+")")
	serveCmd.Flags().String("ollama-host", "", "Ollama URL")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, map[string]string{
		"server.addr":        "addr",
		"server.ollama_host": "ollama-host",
	})
	if err != nil {
		return err
	}
	defer e.close()

	ctx, cancel := signalContext()
	defer cancel()

	if e.cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	sc := e.cfg.Server
	up, err := server.NewUpstream(sc.OllamaHost, sc.Timeout, e.logger)
	if err != nil {
		return err
	}
	cmd.Printf("Listening on %s (ollama: %s)\n", sc.Addr, up.BaseURL())
	return server.New(up, e.logger).Run(ctx, sc.Addr)
}
