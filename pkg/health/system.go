// Copyright (C) 2025 trailmesh
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package health

import (
	"fmt"
	"runtime"
	"syscall"
)

// Resource pressure cut-offs. Disk matters more here than on a typical
// service: the cache evictor can only shed live bundles down to its
// configured budget, not below whatever else fills the volume.
const (
	thresholdDegraded  = 70.0 // percent used
	thresholdUnhealthy = 85.0
)

// statusForUsage maps a used-percentage onto the three-level status.
func statusForUsage(percent float64) Status {
	switch {
	case percent >= thresholdUnhealthy:
		return StatusUnhealthy
	case percent >= thresholdDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// CheckSystem reports process memory, goroutine count, and free space on
// the working directory's volume — the volume the Queue Store and signing
// keys live on under the default layout.
func CheckSystem() *SystemHealth {
	return CheckSystemDir(".")
}

// CheckSystemDir is CheckSystem probing the volume holding dir.
func CheckSystemDir(dir string) *SystemHealth {
	h := &SystemHealth{Status: StatusHealthy}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	h.MemoryUsedMB = m.Alloc / (1 << 20)
	h.MemoryTotalMB = m.Sys / (1 << 20)
	if h.MemoryTotalMB > 0 {
		h.MemoryPercent = float64(h.MemoryUsedMB) / float64(h.MemoryTotalMB) * 100
	}
	h.GoRoutines = runtime.NumGoroutine()

	var fs syscall.Statfs_t
	if err := syscall.Statfs(dir, &fs); err != nil {
		h.Error = fmt.Sprintf("statfs %s: %v", dir, err)
	} else {
		total := fs.Blocks * uint64(fs.Bsize)
		used := total - fs.Bfree*uint64(fs.Bsize)
		h.DiskTotalGB = total / (1 << 30)
		h.DiskUsedGB = used / (1 << 30)
		if total > 0 {
			h.DiskPercent = float64(used) / float64(total) * 100
		}
	}

	h.Status = worse(statusForUsage(h.MemoryPercent), statusForUsage(h.DiskPercent))
	return h
}
