// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strings"

	"github.com/lemon4ksan/zipflow"
	"github.com/spf13/cobra"
)

func newCompressCommand(g *globals) *cobra.Command {
	var (
		level      int
		overwrite  string
		method     string
		storeMedia bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "compress <archive> <sources...>",
		Short: "Compress files and directories into an archive",
		Long: `Compress files and directories into a ZIP archive. A directory contributes
its contents, a file is stored under its base name. When the archive exists,
its entries are kept and --overwrite decides about names present in both.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := zipflow.ParseOverwritePolicy(overwrite)
			if err != nil {
				return err
			}
			m, err := parseMethod(method)
			if err != nil {
				return err
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

			sum, err := e.Compress(ctx, zipflow.CompressRequest{
				Sources:              args[1:],
				Destination:          args[0],
				Level:                level,
				Overwrite:            policy,
				Method:               m,
				StoreCompressedMedia: storeMedia,
			}, opts...)
			printSummary(cmd.OutOrStdout(), "compressed", sum)
			return exitStatus(sum, err)
		},
	}

	cmd.Flags().IntVarP(&level, "level", "l", zipflow.DeflateNormal, "compression level 0 (store) to 9")
	cmd.Flags().StringVarP(&overwrite, "overwrite", "o", "fail", "existing entries: fail, skip or replace")
	cmd.Flags().StringVarP(&method, "method", "m", "deflate", "compression method: deflate or zstd")
	cmd.Flags().BoolVar(&storeMedia, "store-media", false, "store already compressed media instead of recompressing it")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every entry")

	return cmd
}

func parseMethod(s string) (zipflow.CompressionMethod, error) {
	switch strings.ToLower(s) {
	case "deflate", "":
		return zipflow.Deflated, nil
	case "zstd":
		return zipflow.ZStandard, nil
	case "store":
		return zipflow.Stored, fmt.Errorf("use --level 0 to store entries")
	}
	return 0, fmt.Errorf("unknown compression method %q", s)
}
