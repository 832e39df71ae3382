// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/lemon4ksan/zipflow"
	"github.com/spf13/cobra"
)

func newExtractCommand(g *globals) *cobra.Command {
	var (
		overwrite bool
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "extract <archive> [destination]",
		Short: "Extract an archive",
		Long: `Extract an archive into destination, the current directory by default.
Existing files are skipped unless --overwrite is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := "."
			if len(args) == 2 {
				dest = args[1]
			}

			e, closer, err := g.engine()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			var opts []zipflow.Option
			if verbose {
				opts = append(opts, zipflow.WithSubscriber(progressPrinter(cmd.OutOrStdout())))
			}

			sum, err := e.Extract(ctx, zipflow.ExtractRequest{
				Archive:     args[0],
				Destination: dest,
				Overwrite:   overwrite,
			}, opts...)
			printSummary(cmd.OutOrStdout(), "extracted", sum)
			return exitStatus(sum, err)
		},
	}

	cmd.Flags().BoolVarP(&overwrite, "overwrite", "o", false, "replace existing files")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every entry")

	return cmd
}
