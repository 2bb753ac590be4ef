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
	"time"

	"github.com/trailmesh/bundle/store"
)

// Checker performs health checks against a node's Queue Store.
type Checker struct {
	store store.Store
}

// NewChecker creates a new health checker over st.
func NewChecker(st store.Store) *Checker {
	return &Checker{store: st}
}

// CheckAll performs all health checks.
func (c *Checker) CheckAll(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Errors:    make([]string, 0),
	}

	status.StoreStatus = CheckStore(ctx, c.store)
	if status.StoreStatus.Status != StatusHealthy {
		status.Status = status.StoreStatus.Status
		if status.StoreStatus.Error != "" {
			status.Errors = append(status.Errors, "store: "+status.StoreStatus.Error)
		}
	}

	status.SystemStatus = CheckSystem()
	if status.SystemStatus.Status != StatusHealthy {
		if status.Status == StatusHealthy {
			status.Status = status.SystemStatus.Status
		} else if status.SystemStatus.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
		if status.SystemStatus.Error != "" {
			status.Errors = append(status.Errors, "system: "+status.SystemStatus.Error)
		}
	}

	return status
}
