// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lemon4ksan/zipflow"
	"github.com/lemon4ksan/zipflow/internal/logging"
	"github.com/spf13/cobra"
)

// globals holds the flags shared by every subcommand.
type globals struct {
	configFile string
	logLevel   string
	workers    int
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "zipflow",
		Short: "Fast parallel ZIP compression and extraction",
		Long: `zipflow compresses files and directories into ZIP archives and extracts
and lists them. Large files are memory mapped, entries are compressed in
parallel and written in a stable order, so the same input always produces
the same archive.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default is ./zipflow.yaml or $HOME/.zipflow/zipflow.yaml)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().IntVarP(&g.workers, "workers", "w", 0, "number of workers (default from config)")

	cmd.AddCommand(newCompressCommand(g))
	cmd.AddCommand(newExtractCommand(g))
	cmd.AddCommand(newListCommand(g))

	return cmd
}

// engine loads the configuration and builds an engine with its logger.
func (g *globals) engine() (*zipflow.Engine, io.Closer, error) {
	cfg, err := zipflow.LoadConfig(g.configFile)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.workers > 0 {
		cfg.Workers = g.workers
	}

	log, closer, err := logging.Open(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, nil, err
	}
	return zipflow.New(cfg, zipflow.WithLogger(log)), closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM so a running operation
// stops at the next chunk and cleans up after itself.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// printSummary reports entries that did not succeed and the totals.
func printSummary(w io.Writer, verb string, sum *zipflow.Summary) {
	for _, res := range sum.Failed() {
		fmt.Fprintf(w, "%-9s %s: %v\n", res.Status, res.Name, res.Err)
	}
	fmt.Fprintf(w, "%s %d entries (%d skipped, %d failed), %s in %s\n",
		verb,
		sum.Count(zipflow.StatusSucceeded),
		sum.Count(zipflow.StatusSkipped),
		sum.Count(zipflow.StatusFailed),
		zipflow.FormatSize(sum.BytesWritten),
		sum.Elapsed.Round(time.Millisecond),
	)
}

// progressPrinter prints every finished entry.
func progressPrinter(w io.Writer) zipflow.Subscriber {
	return zipflow.SubscriberFunc(func(ev zipflow.ProgressEvent) {
		if !ev.Final || ev.Result == nil {
			return
		}
		fmt.Fprintf(w, "%-9s %s (%s)\n", ev.Result.Status, ev.Name, zipflow.FormatSize(ev.BytesProcessed))
	})
}

// exitStatus turns a finished operation into the command error.
func exitStatus(sum *zipflow.Summary, err error) error {
	if err != nil {
		return err
	}
	if !sum.Success {
		return errIncomplete
	}
	return nil
}
