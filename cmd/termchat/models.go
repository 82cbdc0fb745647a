package main

import (
	"encoding/json"
	"fmt"

	"TermChat/internal/backend"
	"TermChat/internal/telemetry"

	"github.com/spf13/cobra"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the backend",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir(), cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	client := backend.NewClient(backend.Config{
		BaseURL:   cfg.OllamaURL,
		VerifyTLS: !cfg.SkipTLSVerify,
		Logger:    logger,
	})
	models, err := client.ListModels(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if modelsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models)
	}
	for _, m := range models {
		marker := ""
		if m.Name == cfg.Model {
			marker = " (default)"
		}
		fmt.Fprintf(out, "%s\t%.2f GB%s\n", m.Name, float64(m.Size)/(1<<30), marker)
	}
	return nil
}
