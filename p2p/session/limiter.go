// Copyright 2025 The halcyon Authors
// This file is part of the halcyon library.
//
// The halcyon library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The halcyon library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the halcyon library. If not, see <http://www.gnu.org/licenses/>.

package session

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// maxConcurrentGracefulDisconnects bounds the number of in-flight
// best-effort disconnect tasks.
const maxConcurrentGracefulDisconnects = 15

// disconnectLimiter bounds concurrent graceful-disconnect background
// tasks. Acquisition is a non-blocking capacity check; at capacity the
// caller must drop the connection without a courteous goodbye.
type disconnectLimiter struct {
	sem *semaphore.Weighted
}

func newDisconnectLimiter() *disconnectLimiter {
	return &disconnectLimiter{sem: semaphore.NewWeighted(maxConcurrentGracefulDisconnects)}
}

// tryAcquire returns a guard if the limiter has spare capacity.
func (l *disconnectLimiter) tryAcquire() (*disconnectGuard, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	return &disconnectGuard{sem: l.sem}, true
}

// disconnectGuard is a held disconnect slot. Release is idempotent so it
// can be deferred on every exit path of the background task.
type disconnectGuard struct {
	sem  *semaphore.Weighted
	once sync.Once
}

func (g *disconnectGuard) Release() {
	g.once.Do(func() { g.sem.Release(1) })
}
