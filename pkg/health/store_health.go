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
	"context"
	"fmt"
	"time"

	"github.com/trailmesh/bundle/store"
)

// CheckStore checks Queue Store reachability by round-tripping
// TotalLiveBytes, the same call the Cache Evictor makes on every budget
// check. There is no separate ping RPC in store.Store, so
// the cheapest real read stands in for one.
func CheckStore(ctx context.Context, st store.Store) *StoreHealth {
	health := &StoreHealth{Status: StatusUnhealthy}

	if st == nil {
		health.Error = "store not configured"
		return health
	}

	start := time.Now()
	liveBytes, err := st.TotalLiveBytes(ctx)
	latency := time.Since(start)
	health.Latency = latency.String()

	if err != nil {
		health.Error = fmt.Sprintf("store unreachable: %v", err)
		return health
	}

	health.Reachable = true
	health.LiveBytes = liveBytes

	switch {
	case latency < time.Second:
		health.Status = StatusHealthy
	case latency < 3*time.Second:
		health.Status = StatusDegraded
	default:
		health.Status = StatusUnhealthy
		health.Error = fmt.Sprintf("high latency: %v", latency)
	}

	return health
}
