// Copyright The VRAM Manager Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vram

import (
	"context"
	"fmt"
)

// reservation is the exclusive per-buffer lock. Acquisition can block and
// is interruptible by context cancellation; the eviction path uses the
// non-blocking acquire to skip contended victims instead of risking a
// lock-ordering deadlock between concurrent validations.
type reservation struct {
	sem chan struct{}
}

func newReservation() *reservation {
	return &reservation{sem: make(chan struct{}, 1)}
}

// acquire takes the lock, blocking until it is available or the context
// is cancelled.
func (r *reservation) acquire(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	default:
	}

	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
}

// tryAcquire takes the lock if it is immediately available.
func (r *reservation) tryAcquire() bool {
	select {
	case r.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// release drops the lock.
func (r *reservation) release() {
	select {
	case <-r.sem:
	default:
		panic("vram: release of unheld buffer reservation")
	}
}
