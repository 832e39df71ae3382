// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFormat is returned when the input is not a valid ZIP archive.
	ErrFormat = errors.New("zip: not a valid zip file")

	// ErrAlgorithm is returned when a compression algorithm is not supported.
	ErrAlgorithm = errors.New("zip: unsupported compression algorithm")

	// ErrChecksum is returned when reading a file checksum does not match.
	ErrChecksum = errors.New("zip: checksum error")

	// ErrSizeMismatch is returned when the uncompressed size does not match the header.
	ErrSizeMismatch = errors.New("zip: uncompressed size mismatch")

	// ErrInsecurePath is returned when a file path is invalid or attempts directory traversal (Zip Slip).
	ErrInsecurePath = errors.New("zip: insecure file path")

	// ErrDuplicateEntry is returned when two sources produce the same archive name.
	ErrDuplicateEntry = errors.New("zip: duplicate file name")

	// ErrFilenameTooLong is returned when a filename exceeds 65535 bytes.
	ErrFilenameTooLong = errors.New("zip: filename too long")

	// ErrEncrypted is returned for entries that need a password.
	ErrEncrypted = errors.New("zip: encrypted entries are not supported")
)

// Sentinels matched by [Error] through errors.Is, one per [ErrorKind].
var (
	ErrSourceUnreadable      = errors.New("source unreadable")
	ErrMappingFailed         = errors.New("memory mapping failed")
	ErrDestinationUnwritable = errors.New("destination unwritable")
	ErrCodec                 = errors.New("codec error")
	ErrCancelled             = errors.New("cancelled")
	ErrConflict              = errors.New("destination conflict")
	ErrUnsupportedEntry      = errors.New("unsupported entry")
)

// ErrorKind classifies a failure.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	// KindSourceUnreadable: missing, unreadable or corrupt input.
	KindSourceUnreadable
	// KindMappingFailed is recovered by falling back to buffered reads and
	// never fails an entry on its own.
	KindMappingFailed
	// KindDestinationUnwritable is fatal for the whole operation.
	KindDestinationUnwritable
	// KindCodec: malformed compressed data or unsupported method.
	KindCodec
	KindCancelled
	// KindConflict: the destination already has the entry and the overwrite
	// policy refused to replace it, or two sources share an archive name.
	KindConflict
	// KindUnsupportedEntry: devices, pipes and sockets.
	KindUnsupportedEntry
	KindInsecurePath
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSourceUnreadable:
		return "source unreadable"
	case KindMappingFailed:
		return "mapping failed"
	case KindDestinationUnwritable:
		return "destination unwritable"
	case KindCodec:
		return "codec error"
	case KindCancelled:
		return "cancelled"
	case KindConflict:
		return "conflict"
	case KindUnsupportedEntry:
		return "unsupported entry"
	case KindInsecurePath:
		return "insecure path"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindSourceUnreadable:
		return ErrSourceUnreadable
	case KindMappingFailed:
		return ErrMappingFailed
	case KindDestinationUnwritable:
		return ErrDestinationUnwritable
	case KindCodec:
		return ErrCodec
	case KindCancelled:
		return ErrCancelled
	case KindConflict:
		return ErrConflict
	case KindUnsupportedEntry:
		return ErrUnsupportedEntry
	case KindInsecurePath:
		return ErrInsecurePath
	}
	return nil
}

// Error is the typed failure attached to results and summaries.
type Error struct {
	Kind ErrorKind
	Op   string // "compress", "extract", "list", "map", ...
	Name string // archive entry name or path, may be empty
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Name != "" {
		msg += " " + e.Name
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind ErrorKind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// KindOf extracts the kind of err. Context cancellation maps to
// KindCancelled; unknown errors report KindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindNone
}

// classify wraps err into an [Error], keeping an existing kind when present.
func classify(fallback ErrorKind, op, name string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindCancelled, op, name, err)
	}
	return newError(fallback, op, name, err)
}
