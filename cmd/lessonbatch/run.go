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
	"github.com/vidlesson/lessonbatch/internal/classify"
	"github.com/vidlesson/lessonbatch/internal/config"
	"github.com/vidlesson/lessonbatch/internal/hashcache"
	"github.com/vidlesson/lessonbatch/internal/keyrotator"
	"github.com/vidlesson/lessonbatch/internal/obslog"
	"github.com/vidlesson/lessonbatch/internal/output"
	"github.com/vidlesson/lessonbatch/internal/pubsub"
	"github.com/vidlesson/lessonbatch/internal/retry"
	"github.com/vidlesson/lessonbatch/internal/statestore"
	"github.com/vidlesson/lessonbatch/internal/template"
	"github.com/vidlesson/lessonbatch/internal/upstream"
	"github.com/vidlesson/lessonbatch/internal/writer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a batch from a directory of videos and run it to completion",
	Long: `Scans --input for supported video files, renders each one through
--template, and writes the generated lesson text under --output. Progress
is persisted after every status transition, so an interrupted run can be
continued with "lessonbatch resume".`,
	Example: `  lessonbatch run --input ./lectures --template chinese_transcript --output ./lessons
  lessonbatch run --input ./lectures --template chinese_transcript --output ./lessons --config lessonbatch.yaml`,
	RunE:         runBatch,
	SilenceUsage: true,
}

func init() {
	runCmd.Flags().String("input", "", "directory of source videos (required)")
	runCmd.Flags().String("template", "", "prompt template name to apply to every video (required)")
	runCmd.Flags().String("output", "", "directory to write generated lesson files under (required)")
	runCmd.Flags().String("config", "", "path to a lessonbatch YAML config file")
	runCmd.Flags().String("templates-dir", "templates", "directory of YAML prompt template definitions")
	runCmd.Flags().String("state-dir", ".lessonbatch/state", "directory batch progress is persisted to")
	runCmd.Flags().String("cache-db", ".lessonbatch/cache.db", "path to the file-hash and quota-counter SQLite cache")
	runCmd.Flags().String("log-file", ".lessonbatch/lessonbatch.log", "path to the structured log file")
	runCmd.Flags().StringSlice("api-key", nil, "one or more Gemini API keys (overrides config/env discovery)")
	runCmd.Flags().Int("pool-size", 0, "worker pool size (0 = derive from credential count)")
	runCmd.Flags().Int("max-retries", 3, "maximum attempts per task before it is marked permanently failed")
	runCmd.Flags().Bool("skip-existing", true, "skip videos whose expected output file already exists")
	runCmd.Flags().Bool("debug", false, "enable debug-level logging")

	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	inputDir, _ := flags.GetString("input")
	templateName, _ := flags.GetString("template")
	outputDir, _ := flags.GetString("output")
	if inputDir == "" || templateName == "" || outputDir == "" {
		return fmt.Errorf("lessonbatch run: --input, --template, and --output are all required")
	}

	configPath, _ := flags.GetString("config")
	templatesDir, _ := flags.GetString("templates-dir")
	stateDir, _ := flags.GetString("state-dir")
	cacheDBPath, _ := flags.GetString("cache-db")
	logFile, _ := flags.GetString("log-file")
	apiKeys, _ := flags.GetStringSlice("api-key")
	poolSize, _ := flags.GetInt("pool-size")
	maxRetries, _ := flags.GetInt("max-retries")
	skipExisting, _ := flags.GetBool("skip-existing")
	debug, _ := flags.GetBool("debug")

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err == nil {
		obslog.Setup(logFile, debug)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lessonbatch run: %w", err)
	}

	credentialIDs, err := cfg.ResolveCredentials(apiKeys)
	if err != nil {
		return fmt.Errorf("lessonbatch run: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collab, credentials, err := buildCollaborators(ctx, cfg, credentialIDs, templatesDir, stateDir, cacheDBPath)
	if err != nil {
		return fmt.Errorf("lessonbatch run: %w", err)
	}
	defer collab.HashCache.Close()
	collab.Credentials = credentials

	out := output.NewWriter(os.Stdout)
	stopEvents := relayEvents(ctx, collab, out)
	defer stopEvents()

	o := batch.New(batch.DefaultConfig, collab)

	b, err := o.CreateBatch(ctx, batch.CreateOptions{
		InputDir:     inputDir,
		Template:     templateName,
		OutputDir:    outputDir,
		PoolSize:     poolSize,
		MaxRetries:   maxRetries,
		SkipExisting: skipExisting,
	})
	if err != nil {
		return fmt.Errorf("lessonbatch run: create batch: %w", err)
	}

	if err := o.Dispatch(ctx, b.ID); err != nil && ctx.Err() == nil {
		return fmt.Errorf("lessonbatch run: %w", err)
	}

	final, err := o.Load(b.ID)
	if err != nil {
		return fmt.Errorf("lessonbatch run: reload batch: %w", err)
	}
	return out.WriteSummary(final)
}

// buildCollaborators wires every C1-C5 component together the way a
// production run needs them, independent of whether a prompt template
// store exists yet on disk.
func buildCollaborators(ctx context.Context, cfg *config.Config, credentialIDs []string, templatesDir, stateDir, cacheDBPath string) (batch.Collaborators, []upstream.Credential, error) {
	store, err := statestore.New(stateDir)
	if err != nil {
		return batch.Collaborators{}, nil, fmt.Errorf("state store: %w", err)
	}

	cache, err := hashcache.Open(cacheDBPath)
	if err != nil {
		return batch.Collaborators{}, nil, fmt.Errorf("hash cache: %w", err)
	}

	fingerprints := make([]string, len(credentialIDs))
	for i, id := range credentialIDs {
		fingerprints[i] = keyrotator.Fingerprint(id)
	}
	usagePath := filepath.Join(filepath.Dir(cacheDBPath), "api_key_usage.json")
	if abs, err := filepath.Abs(usagePath); err == nil {
		usagePath = abs
	}
	rotator := keyrotator.New(fingerprints, usagePath, store)
	budget := retry.NewBudget(retry.DefaultBudgetConfig)
	arbiter := retry.NewArbiter(budget, classify.DefaultConfig)
	adapter := upstream.New(upstream.DefaultConfig, rotator)

	templates := template.NewStore(cfg.GoogleAPI.Model, cfg.GoogleAPI.Temperature, cfg.GoogleAPI.MaxTokens)
	if templatesDir != "" {
		if err := templates.LoadDir(templatesDir); err != nil && !os.IsNotExist(err) {
			return batch.Collaborators{}, nil, fmt.Errorf("templates: %w", err)
		}
	}

	credentials := make([]upstream.Credential, 0, len(credentialIDs))
	for _, id := range credentialIDs {
		client, err := upstream.NewGenAIClient(ctx, id, nil)
		if err != nil {
			return batch.Collaborators{}, nil, fmt.Errorf("genai client: %w", err)
		}
		credentials = append(credentials, upstream.Credential{ID: keyrotator.Fingerprint(id), Client: client})
	}
	adapter.SetCredentials(credentials)

	return batch.Collaborators{
		Store:       store,
		Arbiter:     arbiter,
		Rotator:     rotator,
		Adapter:     adapter,
		HashCache:   cache,
		Renderer:    templates,
		Writer:      writer.New(),
		TaskEvents:  pubsub.NewBroker[pubsub.TaskEvent](),
		BatchEvents: pubsub.NewBroker[pubsub.BatchEvent](),
	}, credentials, nil
}

// relayEvents drains the collaborators' pubsub brokers into NDJSON on
// out for the lifetime of ctx, returning a function that unsubscribes both
// feeds once the run is done.
func relayEvents(ctx context.Context, collab batch.Collaborators, out *output.Writer) func() {
	ctx, cancel := context.WithCancel(ctx)
	taskCh := collab.TaskEvents.Subscribe(ctx)
	batchCh := collab.BatchEvents.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-taskCh:
				if !ok {
					taskCh = nil
					break
				}
				_ = out.WriteTaskEvent(ev.Payload)
			case ev, ok := <-batchCh:
				if !ok {
					batchCh = nil
					break
				}
				_ = out.WriteBatchEvent(ev.Payload)
			case <-ctx.Done():
				return
			}
			if taskCh == nil && batchCh == nil {
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
