// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/lemon4ksan/zipflow"
	"github.com/spf13/cobra"
)

func newListCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list <archive>",
		Short: "List the entries of an archive",
		Long:  "List the entries of an archive with their sizes, compression ratio and modification time.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closer, err := g.engine()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			return printListing(ctx, cmd.OutOrStdout(), e, args[0])
		},
	}
}

func printListing(ctx context.Context, w io.Writer, e *zipflow.Engine, archive string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Size\tCompressed\tRatio\tMethod\tModified\t Name\t")

	var totals zipflow.ListTotals
	for info, err := range e.List(ctx, archive) {
		if err != nil {
			tw.Flush()
			return err
		}
		totals.Add(info)
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\t%s\t %s\t\n",
			zipflow.FormatSize(info.UncompressedSize),
			zipflow.FormatSize(info.CompressedSize),
			info.Ratio(),
			info.Method,
			info.Modified.Format("2006-01-02 15:04"),
			info.Name,
		)
	}

	fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t\t\t %d files, %d directories\t\n",
		zipflow.FormatSize(totals.UncompressedSize),
		zipflow.FormatSize(totals.CompressedSize),
		totals.Ratio(),
		totals.Files,
		totals.Dirs,
	)
	return tw.Flush()
}
