package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Javihaus/cert-code/internal/client"
	"github.com/Javihaus/cert-code/internal/collector"
	"github.com/Javihaus/cert-code/internal/config"
	"github.com/Javihaus/cert-code/internal/queue"
	"github.com/Javihaus/cert-code/internal/trace"
)

var (
	// Global flags
	verbose    bool
	configPath string
	repoRoot   string
	apiKey     string

	logger *zap.Logger
	cfg    config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cert-code",
	Short: "cert-code - Collect and submit verified AI coding traces",
	Long: `cert-code collects evidence about AI-assisted code changes and
submits it to the CERT evaluation API.

For each change it extracts the git diff, detects the dominant language,
runs the language's test, lint and type-check commands locally, and
bundles everything into an immutable trace. Traces are submitted with
idempotency tokens so retries are never double-counted; submissions
that exhaust their retries are queued locally for later retransmission.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if apiKey != "" {
			cfg.API.Key = apiKey
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// submitCmd collects and submits one or more traces
var submitCmd = &cobra.Command{
	Use:   "submit [task description]...",
	Short: "Collect a trace for each task and submit the batch",
	Long: `Collects one trace per task description and submits them with bounded
concurrency. With a single task, --ref selects the commit to diff
(default HEAD) and --base the diff base (default the commit's parent).

Examples:
  cert-code submit "Add rate limiting to the API client"
  cert-code submit --ref HEAD --base main "Fix pagination" --tool cursor
  cert-code submit --no-verify "Update docs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

// resubmitCmd drains the retry queue
var resubmitCmd = &cobra.Command{
	Use:   "resubmit",
	Short: "Retransmit traces from the local retry queue",
	Long: `Submits every queued trace payload as-is. Verification is never
re-run for a retransmission; the stored evidence and its idempotency
token are reused so the server can deduplicate.`,
	Args: cobra.NoArgs,
	RunE: runResubmit,
}

// statusCmd reports queue state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retry queue contents",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

// languagesCmd lists the merged language registry
var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List registered languages and their verification commands",
	Args:  cobra.NoArgs,
	RunE:  runLanguages,
}

// initCmd writes a starter config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter " + config.FileName + " in the current directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteExample(config.FileName); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", config.FileName)
		return nil
	},
}

var (
	// submit flags
	ref      string
	baseRef  string
	tool     string
	contexts []string
	noVerify bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: discover "+config.FileName+")")
	rootCmd.PersistentFlags().StringVar(&repoRoot, "repo", ".", "git repository root")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "CERT API key (overrides config and environment)")

	submitCmd.Flags().StringVar(&ref, "ref", "HEAD", "commit to collect the diff from")
	submitCmd.Flags().StringVar(&baseRef, "base", "", "diff base (default: the ref's first parent)")
	submitCmd.Flags().StringVar(&tool, "tool", "", "code-generation tool label recorded in the trace")
	submitCmd.Flags().StringArrayVar(&contexts, "context", nil, "context file to include (repeatable)")
	submitCmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip verification commands")

	rootCmd.AddCommand(submitCmd, resubmitCmd, statusCmd, languagesCmd, initCmd)
}

// signalContext cancels on SIGINT/SIGTERM so in-flight submissions
// finish but no new work dispatches.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newClient() *client.Client {
	return client.New(client.Options{
		BaseURL:        cfg.API.URL,
		APIKey:         cfg.API.Key,
		MaxAttempts:    cfg.Submission.MaxAttempts,
		RequestTimeout: cfg.APITimeout(),
		Logger:         logger,
	})
}

func openQueue() (*queue.RetryQueue, error) {
	return queue.Open(cfg.Queue.Path, logger)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	col := collector.New(cfg, repoRoot, logger)
	cl := newClient()
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	start := time.Now()

	var outcomes []client.Outcome
	if len(args) == 1 {
		out, err := col.CollectAndSubmit(ctx, collector.Request{
			Task:             args[0],
			Ref:              ref,
			BaseRef:          baseRef,
			Tool:             tool,
			ContextPaths:     contexts,
			SkipVerification: noVerify,
		}, cl, q)
		if err != nil {
			return err
		}
		outcomes = []client.Outcome{out}
	} else {
		items := make([]collector.BatchItem, 0, len(args))
		for _, task := range args {
			items = append(items, collector.BatchItem{Task: task, Ref: ref, BaseRef: baseRef, Tool: tool})
		}
		outcomes, err = col.Batch(ctx, items, cl, q)
		if err != nil {
			return err
		}
	}

	failures := printOutcomes(outcomes)
	fmt.Printf("\n%d/%d submitted in %s\n", len(outcomes)-failures, len(outcomes), time.Since(start).Round(time.Millisecond))
	if failures > 0 {
		return fmt.Errorf("%d submission(s) failed", failures)
	}
	return nil
}

func printOutcomes(outcomes []client.Outcome) (failures int) {
	for i, out := range outcomes {
		label := fmt.Sprintf("trace %d", i+1)
		if out.Trace != nil {
			task := out.Trace.Task()
			if len(task) > 60 {
				task = task[:60] + "..."
			}
			label = task
		}
		switch {
		case out.Success && out.Duplicate:
			fmt.Printf("  ok  %s (duplicate, already recorded)\n", label)
		case out.Success:
			id := out.TraceID
			if id == "" {
				id = "accepted"
			}
			fmt.Printf("  ok  %s (%s)\n", label, id)
		default:
			failures++
			fmt.Printf("  ERR %s: %v\n", label, out.Err)
		}
	}
	return failures
}

func runResubmit(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	submitted, failed, err := collector.Resubmit(ctx, q, newClient(), logger)
	if err != nil {
		return err
	}
	fmt.Printf("Resubmitted %d trace(s), %d still pending\n", submitted, failed)
	if failed > 0 {
		return fmt.Errorf("%d trace(s) remain queued", failed)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	q, err := openQueue()
	if err != nil {
		return err
	}
	defer q.Close()

	entries, err := q.Pending(0)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Retry queue is empty")
		return nil
	}

	fmt.Printf("%d trace(s) queued for resubmission:\n", len(entries))
	for _, e := range entries {
		task := e.Task
		if len(task) > 60 {
			task = task[:60] + "..."
		}
		fmt.Printf("  %s  attempts=%d  queued=%s\n    %s\n",
			e.Token[:12], e.Attempts, e.CreatedAt.Format(time.RFC3339), task)
		if e.LastError != "" {
			fmt.Printf("    last error: %s\n", e.LastError)
		}
	}
	return nil
}

func runLanguages(cmd *cobra.Command, args []string) error {
	reg := cfg.BuildRegistry()
	for _, id := range reg.Identifiers() {
		d, err := reg.Resolve(id)
		if err != nil {
			continue
		}
		fmt.Printf("%s (%s)\n", d.ID, strings.Join(d.Extensions, ", "))
		if d.TestCommand != "" {
			fmt.Printf("  %-10s %s\n", string(trace.KindTest)+":", d.TestCommand)
		}
		if d.LintCommand != "" {
			fmt.Printf("  %-10s %s [%s]\n", string(trace.KindLint)+":", d.LintCommand, d.LintScore)
		}
		if d.TypecheckCommand != "" {
			fmt.Printf("  %-10s %s [%s]\n", string(trace.KindTypecheck)+":", d.TypecheckCommand, d.TypecheckScore)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
