// Package cli wires the meetcomposer commands:
//
//	meetcomposer serve                   # HTTP API plus the queue worker
//	meetcomposer enqueue job.json        # push a job message, optionally wait for results
//	meetcomposer compose job.json        # compose one job locally, no broker involved
//	meetcomposer version
//
// Every command reads its settings from the environment (and .env), the same
// way the server does.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bobarin/meetcomposer/internal/config"
	"github.com/bobarin/meetcomposer/internal/dedup"
	"github.com/bobarin/meetcomposer/internal/logger"
	"github.com/bobarin/meetcomposer/internal/models"
	"github.com/bobarin/meetcomposer/internal/queue"
	"github.com/bobarin/meetcomposer/internal/worker"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meetcomposer",
		Short: "Compose recorded meeting participants into one tiled video",
		Long: `meetcomposer consumes meeting jobs from a Redis queue, lays the
participants' recordings out on a per-second grid and publishes the
composed video, its thumbnail and a result message.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildComposeCommand())
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "meetcomposer", Version)
		},
	}
}

func buildEnqueueCommand() *cobra.Command {
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "enqueue <job.json>",
		Short: "Push a job message onto the processing queue",
		Long: `Reads a job message from a JSON file ("-" for stdin) and pushes it onto
the processing queue. A missing record_id is filled with a new UUID.
With --wait, results are printed as they arrive until the timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			msg, err := readJob(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if msg.RecordID == "" {
				msg.RecordID = uuid.New().String()
			}

			q, err := queue.New(cfg.RedisURL, queue.Options{
				Processing: cfg.ProcessingQueue,
				Results:    cfg.ResultsQueue,
			})
			if err != nil {
				return err
			}
			defer q.Close()

			ctx := cmd.Context()
			if err := q.Enqueue(ctx, *msg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s on %s\n", msg.RecordID, q.Processing())

			if !wait {
				return nil
			}
			return waitResults(ctx, q, cmd.OutOrStdout(), timeout)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "print results from the results queue")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Minute, "how long --wait listens")

	return cmd
}

// waitResults prints every result that arrives before timeout.
func waitResults(ctx context.Context, q *queue.Queue, out io.Writer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	enc := json.NewEncoder(out)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		result, err := q.WaitResult(ctx, min(remaining, 5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if result == nil {
			continue
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
}

func buildComposeCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "compose <job.json>",
		Short: "Compose one job locally and print its result",
		Long: `Runs a job message through the compositor without Redis or dedup and
prints the result JSON. Source recordings are left in place and URLs are
built from DOMAIN_NAME unless Supabase is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if outputDir != "" {
				cfg.OutputDir = outputDir
			}

			msg, err := readJob(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			log := logger.New(cfg.LogLevel, cfg.LogPretty)
			if err := prepareDirs(cfg); err != nil {
				return err
			}

			engine := newEngine(cfg, log)
			w := worker.New(worker.Deps{
				Dedup:     dedup.NewMemory(),
				Renderer:  newCompositor(cfg, engine, log),
				Publisher: newPublisher(cfg, log),
			}, worker.Config{
				SourceDir:  cfg.TempDir,
				OutputDir:  cfg.OutputDir,
				MaxHorizon: cfg.MaxTimelineSeconds,
			}, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := w.Compose(ctx, *msg)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default OUTPUT_DIR)")

	return cmd
}

// readJob decodes a job message from path, or from stdin when path is "-".
func readJob(stdin io.Reader, path string) (*models.JobMessage, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}

	var msg models.JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", path, err)
	}
	return &msg, nil
}
