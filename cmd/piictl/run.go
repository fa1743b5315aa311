package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"pii-ledger/internal/config"
	"pii-ledger/internal/ledger"
	"pii-ledger/internal/pipeline"
)

var runFlags struct {
	mode           string
	transform      string
	tier           string
	concurrency    int
	batchSize      int
	output         string
	failures       string
	failOnTerminal bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process every pending message",
	Long: `Seed the ledger from the message store, then detect and transform every
eligible message in passes until none are left.

Failed messages are retried on later passes until they reach max_attempts.
Messages that fail permanently are listed in the failure report. Interrupting
a run (Ctrl-C) lets in-flight batches finish; run again to resume.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := applyRunFlags(cmd); err != nil {
			return err
		}
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		o, err := a.Orchestrator()
		if err != nil {
			return err
		}
		var mu sync.Mutex
		o.OnProgress(func(p pipeline.Progress) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(cmd.ErrOrStderr(), renderProgress(p))
		})

		sum, runErr := o.Run(ctx)
		fmt.Fprint(cmd.OutOrStdout(), renderSummary(sum))
		if runErr != nil {
			return runErr
		}

		return reportTerminal(ctx, a.Ledger, cfg.Run, cmd.OutOrStdout())
	},
}

type statsReader interface {
	Stats(ctx context.Context) (ledger.Stats, error)
}

// reportTerminal warns about permanently failed messages, or fails with exit
// code 2 when run.fail_on_terminal is set. The ledger is read even when ctx
// was cancelled by an interrupt.
func reportTerminal(ctx context.Context, l statsReader, run config.RunConfig, out io.Writer) error {
	stats, err := l.Stats(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if stats.Terminal == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d messages failed permanently", stats.Terminal)
	if run.FailureFile != "" {
		msg += "; see " + run.FailureFile
	}
	if run.FailOnTerminal {
		return &exitError{code: 2, err: fmt.Errorf("piictl: %s", msg)}
	}
	fmt.Fprintln(out, warningStyle.Render(msg))
	return nil
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mode, "mode", "", "Output mode: cloud or local")
	f.StringVar(&runFlags.transform, "transform", "", "Transform: redact or obfuscate")
	f.StringVar(&runFlags.tier, "tier", "", "Detection service tier (S, S0, F0)")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "Concurrent detection calls (default from tier)")
	f.IntVar(&runFlags.batchSize, "batch-size", 0, "Messages per detection call (1-5)")
	f.StringVarP(&runFlags.output, "output", "o", "", "Local output file")
	f.StringVar(&runFlags.failures, "failures", "", "Failure report CSV")
	f.BoolVar(&runFlags.failOnTerminal, "fail-on-terminal", false, "Exit 2 when messages failed permanently")
}

// applyRunFlags overrides the run config with flags set on the command line.
func applyRunFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	run := &cfg.Run
	if f.Changed("mode") {
		run.Mode = runFlags.mode
	}
	if f.Changed("transform") {
		run.Transform = runFlags.transform
	}
	if f.Changed("tier") {
		run.Tier = runFlags.tier
	}
	if f.Changed("concurrency") {
		run.Concurrency = runFlags.concurrency
	}
	if f.Changed("batch-size") {
		run.BatchSize = runFlags.batchSize
	}
	if f.Changed("output") {
		run.OutputFile = runFlags.output
	}
	if f.Changed("failures") {
		run.FailureFile = runFlags.failures
	}
	if f.Changed("fail-on-terminal") {
		run.FailOnTerminal = runFlags.failOnTerminal
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
