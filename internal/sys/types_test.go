// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileMode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		mode fs.FileMode
		path string
	}{
		{"regular", 0644, "a.txt"},
		{"executable", 0755, "bin/run"},
		{"directory", fs.ModeDir | 0755, "docs/"},
		{"symlink", fs.ModeSymlink | 0777, "link"},
		{"read only", 0444, "ro.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := ExternalAttributes(tt.mode)
			assert.Equal(t, tt.mode, FileMode(ArchiveHostSystem, attrs, tt.path))
		})
	}
}

func TestFileMode_Windows(t *testing.T) {
	assert.Equal(t, fs.ModeDir|0755, FileMode(HostSystemFAT, dosDirectory, "dir"))
	assert.Equal(t, fs.FileMode(0444), FileMode(HostSystemNTFS, dosArchive|dosReadOnly, "file"))
	assert.Equal(t, fs.FileMode(0644), FileMode(HostSystem(42), 0, "file"))
	assert.Equal(t, "Unknown", HostSystem(42).String())
}
