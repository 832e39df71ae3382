// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sys maps file modes to and from the host-specific attribute
// encodings stored in ZIP central directory entries.
package sys

import (
	"io/fs"
	"strings"
)

// HostSystem represents the host system on which the ZIP file was created
type HostSystem uint8

// Host systems recognised when decoding external attributes.
const (
	HostSystemFAT    HostSystem = 0  // MS-DOS and OS/2 (FAT / VFAT / FAT32 file systems)
	HostSystemUNIX   HostSystem = 3  // UNIX
	HostSystemNTFS   HostSystem = 10 // Windows NTFS
	HostSystemVFAT   HostSystem = 14 // VFAT
	HostSystemDarwin HostSystem = 19 // OS X (Darwin)
)

// ArchiveHostSystem is recorded in every entry written by zipflow. Archives
// carry Unix modes regardless of the platform that produced them, which keeps
// output byte-identical across hosts.
const ArchiveHostSystem = HostSystemUNIX

func (h HostSystem) String() string {
	switch h {
	case HostSystemFAT:
		return "MS-DOS/OS2 (FAT)"
	case HostSystemUNIX:
		return "UNIX"
	case HostSystemNTFS:
		return "Windows NTFS"
	case HostSystemVFAT:
		return "VFAT"
	case HostSystemDarwin:
		return "OS X (Darwin)"
	}
	return "Unknown"
}

// IsUnix reports whether the external attributes hold a Unix mode in the high 16 bits.
func (h HostSystem) IsUnix() bool {
	return h == HostSystemUNIX || h == HostSystemDarwin
}

// IsWindows reports whether the external attributes hold DOS attribute bits.
func (h HostSystem) IsWindows() bool {
	return h == HostSystemFAT || h == HostSystemNTFS || h == HostSystemVFAT
}

// Unix constants for file types (standard POSIX)
const (
	S_IFMT   = 0170000
	S_IFSOCK = 0140000
	S_IFLNK  = 0120000 // Symlink
	S_IFREG  = 0100000 // Regular file
	S_IFBLK  = 0060000
	S_IFDIR  = 0040000 // Directory
	S_IFCHR  = 0020000
	S_IFIFO  = 0010000
)

// DOS attribute bits.
const (
	dosReadOnly  = 0x01
	dosDirectory = 0x10
	dosArchive   = 0x20
)

// ExternalAttributes encodes mode as Unix external file attributes.
func ExternalAttributes(mode fs.FileMode) uint32 {
	unix := uint32(mode & fs.ModePerm)
	switch {
	case mode.IsDir():
		unix |= S_IFDIR
	case mode&fs.ModeSymlink != 0:
		unix |= S_IFLNK
	default:
		unix |= S_IFREG
	}
	return unix<<16 | dosAttributes(mode)
}

func dosAttributes(mode fs.FileMode) uint32 {
	var attrs uint32 = dosArchive
	if mode.IsDir() {
		attrs = dosDirectory
	}
	if mode&0200 == 0 {
		attrs |= dosReadOnly
	}
	return attrs
}

// FileMode decodes external attributes written by host. name is the raw
// archive name; a trailing slash marks a directory on any host.
func FileMode(host HostSystem, external uint32, name string) fs.FileMode {
	isDir := strings.HasSuffix(name, "/")

	if host.IsUnix() && external>>16 != 0 {
		unixMode := external >> 16
		mode := fs.FileMode(unixMode & 0777)

		switch unixMode & S_IFMT {
		case S_IFDIR:
			mode |= fs.ModeDir
		case S_IFLNK:
			mode |= fs.ModeSymlink
		case S_IFSOCK:
			mode |= fs.ModeSocket
		case S_IFIFO:
			mode |= fs.ModeNamedPipe
		case S_IFCHR:
			mode |= fs.ModeDevice | fs.ModeCharDevice
		case S_IFBLK:
			mode |= fs.ModeDevice
		default:
			if isDir {
				mode |= fs.ModeDir
			}
		}
		return mode
	}

	if host.IsWindows() {
		isDir = isDir || external&dosDirectory != 0
	}

	mode := fs.FileMode(0644)
	if isDir {
		mode = 0755 | fs.ModeDir
	}
	if host.IsWindows() && external&dosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}
