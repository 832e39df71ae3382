//go:build !(linux || darwin || freebsd)

// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import "errors"

var errMmapUnsupported = errors.New("memory mapping is not supported on this platform")

// defaultMapper is nil here; every mapping request falls back to buffered reads.
var defaultMapper MapFunc
