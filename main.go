package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pixchat/internal/config"
	"pixchat/internal/logging"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pixchat",
	Short: "Image generation chat backed by a local Ollama server",
	Long: `pixchat turns chat prompts into image results using the models of a
local Ollama server, and keeps the conversation in a message store.

Run "pixchat serve" to start the HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if verbose {
			cfg.Logging.Debug = true
		}
		logger, err = logging.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (message store and chat sessions)",
	RunE:  runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the Ollama server is reachable",
	RunE:  runStatus,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List installed models grouped by category",
	RunE:  runModels,
}

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Generate images for a single prompt",
	Long: `Runs one prompt through the generation pipeline and prints the result.

Example:
  pixchat generate "a lighthouse at dusk" --model llava:7b`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PIXCHAT_CONFIG"), "path to config.json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().String("addr", "", "listen address (overrides config)")
	serveCmd.Flags().Bool("store-only", false, "serve only the message store API")

	modelsCmd.Flags().Bool("json", false, "print the catalog as JSON")

	generateCmd.Flags().String("model", "", "model to use instead of automatic selection")
	generateCmd.Flags().String("session", "", "session to record the exchange in")

	rootCmd.AddCommand(serveCmd, statusCmd, modelsCmd, generateCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
