package main

import (
	"os"
	"os/signal"

	"TermChat/internal/chatbot"

	"github.com/spf13/cobra"
)

// flags shared by every command; zero values defer to the environment
var (
	flagEnvFile       string
	flagOllamaURL     string
	flagModel         string
	flagStore         string
	flagDataDir       string
	flagKeepAlive     string
	flagSkipTLSVerify bool
	flagTelemetry     bool
	flagDebug         bool
)

var rootCmd = &cobra.Command{
	Use:   "termchat",
	Short: "Chat with local LLMs from the terminal",
	Long: `termchat is an interactive chat client for Ollama-compatible backends.

Sessions are persisted and can be resumed, cycled through and inspected.

Examples:
  termchat                              # start the interactive chat
  termchat --model mistral              # default model for new sessions
  termchat ask "why is the sky blue?"   # one-shot question
  termchat sessions                     # list saved sessions`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runChat,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file loaded before the environment")
	pf.StringVar(&flagOllamaURL, "ollama-url", "", "Backend base URL (default http://$OLLAMA_HOST)")
	pf.StringVarP(&flagModel, "model", "m", "", "Default model for new sessions")
	pf.StringVar(&flagStore, "store", "", "Persistence driver (sqlite|bolt)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Directory for the session store and logs")
	pf.StringVar(&flagKeepAlive, "keep-alive", "", "How long the backend keeps the model loaded (e.g. 5m)")
	pf.BoolVar(&flagSkipTLSVerify, "skip-tls-verify", false, "Accept invalid backend TLS certificates")
	pf.BoolVar(&flagTelemetry, "telemetry", false, "Write traces and metrics next to the log file")
	pf.BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	bot := chatbot.NewChatBot(a.cfg, a.registry, a.client, a.logger, cmd.InOrStdin(), cmd.OutOrStdout())
	return bot.Run(ctx, interrupts)
}
