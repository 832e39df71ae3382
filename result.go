// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"fmt"
	"time"
)

// Status is the terminal state of one entry.
type Status uint8

const (
	StatusSucceeded Status = iota
	StatusSkipped
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// OperationResult is the immutable outcome of one requested entry.
type OperationResult struct {
	Ordinal      int
	Name         string
	Status       Status
	BytesRead    int64 // uncompressed bytes consumed from the source
	BytesWritten int64 // bytes written for the entry data (compressed on compress)
	Kind         ErrorKind
	Err          error
}

// OK reports whether the entry reached its destination.
func (r OperationResult) OK() bool { return r.Status == StatusSucceeded }

// Summary aggregates a whole operation. Results lists every entry the
// operation knew about in enumeration order, including entries that were
// never attempted because of a fatal error or cancellation.
type Summary struct {
	Results      []OperationResult
	TotalBytes   int64 // uncompressed bytes of all requested entries
	BytesWritten int64 // bytes written to the destination
	Elapsed      time.Duration
	Success      bool
	// Err is the fatal, operation-wide error, if any.
	Err error
	// ArchiveDigest is the xxhash64 of the archive bytes produced by Compress.
	ArchiveDigest uint64
	// MappingFallbacks counts sources read through buffers after mapping failed.
	MappingFallbacks int64
}

// Count returns how many results have the given status.
func (s *Summary) Count(status Status) int {
	var n int
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// Failed returns the results that did not succeed.
func (s *Summary) Failed() []OperationResult {
	var out []OperationResult
	for _, r := range s.Results {
		if !r.OK() {
			out = append(out, r)
		}
	}
	return out
}

// resultSet collects results by ordinal.
type resultSet struct {
	results []OperationResult
	set     []bool
}

func (rs *resultSet) put(r OperationResult) {
	for len(rs.results) <= r.Ordinal {
		rs.results = append(rs.results, OperationResult{})
		rs.set = append(rs.set, false)
	}
	rs.results[r.Ordinal] = r
	rs.set[r.Ordinal] = true
}

func (rs *resultSet) has(ordinal int) bool {
	return ordinal < len(rs.set) && rs.set[ordinal]
}

// summarize fills results that were never recorded as cancelled with cause.
func (rs *resultSet) summarize(names []string, cause error) []OperationResult {
	out := make([]OperationResult, len(names))
	for i, name := range names {
		if rs.has(i) {
			out[i] = rs.results[i]
			continue
		}
		err := cause
		if err == nil {
			err = ErrCancelled
		}
		out[i] = OperationResult{
			Ordinal: i,
			Name:    name,
			Status:  StatusCancelled,
			Kind:    KindCancelled,
			Err:     err,
		}
	}
	return out
}

func resultOf(ordinal int, name string, err error) OperationResult {
	kind := KindOf(err)
	status := StatusFailed
	if kind == KindCancelled {
		status = StatusCancelled
	}
	return OperationResult{
		Ordinal: ordinal,
		Name:    name,
		Status:  status,
		Kind:    kind,
		Err:     err,
	}
}
