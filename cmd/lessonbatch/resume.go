package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vidlesson/lessonbatch/internal/batch"
	"github.com/vidlesson/lessonbatch/internal/config"
	"github.com/vidlesson/lessonbatch/internal/obslog"
	"github.com/vidlesson/lessonbatch/internal/output"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resume a previously interrupted batch",
	Long: `Loads a batch's persisted state, resets any task that was still
Processing when the previous run stopped back to Pending, and re-dispatches
every task that is Pending or eligible for retry.`,
	Args:         cobra.ExactArgs(1),
	RunE:         resumeBatch,
	SilenceUsage: true,
}

func init() {
	resumeCmd.Flags().String("config", "", "path to a lessonbatch YAML config file")
	resumeCmd.Flags().String("templates-dir", "templates", "directory of YAML prompt template definitions")
	resumeCmd.Flags().String("state-dir", ".lessonbatch/state", "directory batch progress is persisted to")
	resumeCmd.Flags().String("cache-db", ".lessonbatch/cache.db", "path to the file-hash and quota-counter SQLite cache")
	resumeCmd.Flags().String("log-file", ".lessonbatch/lessonbatch.log", "path to the structured log file")
	resumeCmd.Flags().StringSlice("api-key", nil, "one or more Gemini API keys (overrides config/env discovery)")
	resumeCmd.Flags().Bool("debug", false, "enable debug-level logging")

	rootCmd.AddCommand(resumeCmd)
}

func resumeBatch(cmd *cobra.Command, args []string) error {
	batchID := args[0]
	flags := cmd.Flags()

	configPath, _ := flags.GetString("config")
	templatesDir, _ := flags.GetString("templates-dir")
	stateDir, _ := flags.GetString("state-dir")
	cacheDBPath, _ := flags.GetString("cache-db")
	logFile, _ := flags.GetString("log-file")
	apiKeys, _ := flags.GetStringSlice("api-key")
	debug, _ := flags.GetBool("debug")

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		obslog.Setup(logFile, debug)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lessonbatch resume: %w", err)
	}

	credentialIDs, err := cfg.ResolveCredentials(apiKeys)
	if err != nil {
		return fmt.Errorf("lessonbatch resume: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collab, credentials, err := buildCollaborators(ctx, cfg, credentialIDs, templatesDir, stateDir, cacheDBPath)
	if err != nil {
		return fmt.Errorf("lessonbatch resume: %w", err)
	}
	defer collab.HashCache.Close()
	collab.Credentials = credentials

	out := output.NewWriter(os.Stdout)
	stopEvents := relayEvents(ctx, collab, out)
	defer stopEvents()

	o := batch.New(batch.DefaultConfig, collab)

	if err := o.Resume(ctx, batchID); err != nil && ctx.Err() == nil {
		return fmt.Errorf("lessonbatch resume: %w", err)
	}

	final, err := o.Load(batchID)
	if err != nil {
		return fmt.Errorf("lessonbatch resume: reload batch: %w", err)
	}
	return out.WriteSummary(final)
}
