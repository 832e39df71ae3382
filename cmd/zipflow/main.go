// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command zipflow compresses, extracts and lists ZIP archives.
package main

import (
	"errors"
	"fmt"
	"os"
)

// errIncomplete is returned when the operation ran but some entries were
// skipped or failed. Details were already printed.
var errIncomplete = errors.New("some entries were not processed")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errIncomplete) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
