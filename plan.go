// Copyright 2025 Lemon4ksan. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zipflow

import "math/bits"

// BufferPlan is the per-entry I/O plan. It is derived from the entry size and
// the configuration and is never stored outside the task that uses it.
type BufferPlan struct {
	ChunkSize int  // bytes moved per read/codec/write step
	UseMmap   bool // map the source instead of streaming it
}

// PlanBuffer sizes the chunk for an entry of the given size.
//
// The base is the next power of two not below size/16, doubled for stored
// entries (level 0) whose chunks skip the codec. The result is clamped to
// [ChunkFloor, ceiling], where the ceiling is the smaller of ChunkCeiling and
// the per-worker share of MemoryBudget. The function is pure and
// non-decreasing in size. For extraction, pass the compressed size.
func PlanBuffer(size int64, level int, cfg Config) BufferPlan {
	cfg = cfg.normalize()
	floor := int64(cfg.ChunkFloor)
	ceiling := cfg.chunkCeiling()

	chunk := floor
	if size > 0 {
		base := nextPowerOfTwo(size / 16)
		if level == 0 && base < ceiling {
			base *= 2
		}
		chunk = max(floor, min(base, ceiling))
	}

	return BufferPlan{
		ChunkSize: int(chunk),
		UseMmap:   cfg.MmapThreshold > 0 && size >= cfg.MmapThreshold,
	}
}

func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	if n > 1<<62 {
		return 1 << 62
	}
	return 1 << bits.Len64(uint64(n-1))
}
