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
	"sync/atomic"

	libregion "github.com/scott4165/vram-manager/pkg/vram/lib/region"
)

// Buffer is a reference-counted buffer object. A buffer starts out
// unbound and gets placed into a memory tier by pinning or mapping it.
// All mutating operations on a buffer are guarded by its reservation.
type Buffer struct {
	m        *Manager
	handle   uint32
	size     int64
	align    int64
	mmapNode libregion.Extent

	res  *reservation
	refs int32

	// The fields below are guarded by res.
	tier     Tier
	extent   libregion.Extent // valid iff tier == TierVRAM
	binding  Binding          // backing storage, nil iff tier == TierUnbound
	pinCount int
	noEvict  bool
	kmapRefs int
	kmap     Mapping // lazily released CPU mapping cache
}

// Handle returns the buffer's handle.
func (b *Buffer) Handle() uint32 {
	return b.handle
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// Alignment returns the buffer's extent alignment.
func (b *Buffer) Alignment() int64 {
	return b.align
}

// MmapOffset returns the buffer's offset in the manager's mmap-offset
// space, usable with the platform's generic memory-mapping mechanism.
func (b *Buffer) MmapOffset() int64 {
	return b.mmapNode.Offset
}

// Ref takes an additional reference on the buffer. The caller must
// already hold a reference of its own.
func (b *Buffer) Ref() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// tryRef takes a reference unless the buffer is already on its way to
// destruction. A buffer whose last reference has been dropped can still
// linger in the registry until finalization deregisters it; reviving it
// there would hand out a reference to a buffer being torn down.
func (b *Buffer) tryRef() bool {
	for {
		refs := atomic.LoadInt32(&b.refs)
		if refs <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.refs, refs, refs+1) {
			return true
		}
	}
}

// Put drops a reference on the buffer. Dropping the last reference
// destroys the buffer: any pins or mapping references still outstanding
// at that point are caller bugs and are diagnosed loudly.
func (b *Buffer) Put() {
	refs := atomic.AddInt32(&b.refs, -1)
	switch {
	case refs > 0:
	case refs == 0:
		b.finalize()
	default:
		b.m.misuse("put of already destroyed buffer #%d", b.handle)
	}
}

// Pin fixes the buffer into one of the hinted tiers, excluding it from
// eviction until unpinned. Pinning is reentrant: a buffer that is
// already pinned stays where it is and the hint is ignored. A zero hint
// pins the buffer at its current location, or with the default placement
// preference if it is still unbound.
func (b *Buffer) Pin(ctx context.Context, tiers TierMask) error {
	if err := b.res.acquire(ctx); err != nil {
		return err
	}
	defer b.res.release()

	return b.pinLocked(tiers)
}

func (b *Buffer) pinLocked(tiers TierMask) error {
	if b.pinCount > 0 {
		b.pinCount++
		return nil
	}

	candidates := b.m.policy.computeCandidates(b, tiers)
	if err := b.m.policy.validate(b, candidates, true); err != nil {
		return err
	}

	b.pinCount = 1
	atomic.AddInt64(&b.m.pinnedBuffers, 1)

	log.Debug("pinned %s", b)

	return nil
}

// Unpin drops a pin on the buffer. When the last pin is dropped the
// buffer becomes an eviction candidate again.
func (b *Buffer) Unpin() error {
	if err := b.res.acquire(context.Background()); err != nil {
		return err
	}
	defer b.res.release()

	return b.unpinLocked()
}

func (b *Buffer) unpinLocked() error {
	if b.pinCount == 0 {
		b.m.misuse("unpin of unpinned %s", b)
		return ErrNotPinned
	}

	b.pinCount--
	if b.pinCount > 0 {
		return nil
	}

	b.noEvict = false
	atomic.AddInt64(&b.m.pinnedBuffers, -1)

	log.Debug("unpinned %s", b)

	return nil
}

// PinCount returns the buffer's current pin count.
func (b *Buffer) PinCount() int {
	if err := b.res.acquire(context.Background()); err != nil {
		return 0
	}
	defer b.res.release()
	return b.pinCount
}

// CurrentTier returns the tier the buffer currently resides in.
func (b *Buffer) CurrentTier() Tier {
	if err := b.res.acquire(context.Background()); err != nil {
		return TierUnbound
	}
	defer b.res.release()
	return b.tier
}

// Offset returns the buffer's bus-address offset within its current
// tier. The buffer has to be pinned; an unpinned buffer could be
// relocated at any time, which would invalidate the answer.
func (b *Buffer) Offset() (int64, error) {
	if err := b.res.acquire(context.Background()); err != nil {
		return 0, err
	}
	defer b.res.release()

	if b.pinCount == 0 {
		b.m.misuse("offset query on unpinned %s", b)
		return 0, ErrNotPinned
	}

	if b.tier == TierVRAM {
		return b.extent.Offset, nil
	}
	return 0, nil
}

// Kmap maps the buffer for CPU access, or returns the current mapping.
// If establish is false the call only queries the current mapping state
// without taking a mapping reference; a stale mapping left behind by a
// fully unmapped buffer is returned as is, and ErrNotMapped is returned
// when there is no mapping at all.
func (b *Buffer) Kmap(ctx context.Context, establish bool) (Mapping, error) {
	if err := b.res.acquire(ctx); err != nil {
		return Mapping{}, err
	}
	defer b.res.release()

	return b.kmapLocked(establish)
}

func (b *Buffer) kmapLocked(establish bool) (Mapping, error) {
	if b.kmapRefs > 0 {
		b.kmapRefs++
		return b.kmap, nil
	}

	if b.kmap.IsValid() {
		if !establish {
			// Query-only path: report the stale mapping without
			// taking ownership of it.
			return b.kmap, nil
		}
		b.kmapRefs = 1
		atomic.AddInt64(&b.m.mappedBuffers, 1)
		return b.kmap, nil
	}

	if !establish {
		return Mapping{}, ErrNotMapped
	}

	if b.binding == nil {
		candidates := b.m.policy.computeCandidates(b, 0)
		if err := b.m.policy.validate(b, candidates, false); err != nil {
			return Mapping{}, err
		}
	}

	mapping, err := b.binding.Map()
	if err != nil {
		return Mapping{}, err
	}

	b.kmap = mapping
	b.kmapRefs = 1
	atomic.AddUint64(&b.m.mapsCreated, 1)
	atomic.AddInt64(&b.m.mappedBuffers, 1)

	log.Debug("mapped %s (iomem %v)", b, mapping.IsIOMem())

	return mapping, nil
}

// Kunmap drops a mapping reference on the buffer. The mapping itself is
// deliberately kept around past the last reference; establishing
// mappings is expensive, especially for the I/O-backed fast tier, so
// release is deferred until the buffer next changes tiers.
func (b *Buffer) Kunmap() error {
	if err := b.res.acquire(context.Background()); err != nil {
		return err
	}
	defer b.res.release()

	return b.kunmapLocked()
}

func (b *Buffer) kunmapLocked() error {
	if b.kmapRefs == 0 {
		b.m.misuse("unmap of unmapped %s", b)
		return ErrNotMapped
	}

	b.kmapRefs--
	if b.kmapRefs == 0 {
		atomic.AddInt64(&b.m.mappedBuffers, -1)
		// Keep the mapping; it is torn down by moveNotify on the
		// next tier transition.
	}

	return nil
}

// KmapRefs returns the number of outstanding mapping references.
func (b *Buffer) KmapRefs() int {
	if err := b.res.acquire(context.Background()); err != nil {
		return 0
	}
	defer b.res.release()
	return b.kmapRefs
}

// Vmap pins the buffer at its current location and maps it for CPU
// access in one step.
func (b *Buffer) Vmap(ctx context.Context) (Mapping, error) {
	if err := b.res.acquire(ctx); err != nil {
		return Mapping{}, err
	}
	defer b.res.release()

	if err := b.pinLocked(0); err != nil {
		return Mapping{}, err
	}

	mapping, err := b.kmapLocked(true)
	if err != nil {
		if uerr := b.unpinLocked(); uerr != nil {
			log.Error("failed to unwind pin of %s: %v", b, uerr)
		}
		return Mapping{}, err
	}

	return mapping, nil
}

// Vunmap undoes a Vmap.
func (b *Buffer) Vunmap() error {
	if err := b.res.acquire(context.Background()); err != nil {
		return err
	}
	defer b.res.release()

	if err := b.kunmapLocked(); err != nil {
		return err
	}
	return b.unpinLocked()
}

// finalize destroys the buffer once its last reference is gone.
func (b *Buffer) finalize() {
	if err := b.res.acquire(context.Background()); err != nil {
		return
	}
	defer b.res.release()

	if b.pinCount != 0 {
		b.m.misuse("destroying %s with %d outstanding pins", b, b.pinCount)
		atomic.AddInt64(&b.m.pinnedBuffers, -1)
	}
	if b.kmapRefs != 0 {
		b.m.misuse("destroying %s with %d outstanding mapping refs", b, b.kmapRefs)
		atomic.AddInt64(&b.m.mappedBuffers, -1)
	}

	if b.kmap.IsValid() {
		if err := b.binding.Unmap(b.kmap); err != nil {
			log.Error("failed to unmap %s: %v", b, err)
		}
		b.kmap = Mapping{}
		atomic.AddUint64(&b.m.mapsReleased, 1)
	}

	if b.binding != nil {
		if err := b.binding.Release(); err != nil {
			log.Error("failed to release backing of %s: %v", b, err)
		}
		b.binding = nil
	}

	b.m.deregister(b)
	b.tier = TierUnbound

	log.Debug("destroyed %s", b)
}

// String returns a string representation of the buffer. It reads
// reservation-guarded state and is meant for call sites that hold the
// buffer's reservation.
func (b *Buffer) String() string {
	switch b.tier {
	case TierVRAM:
		return fmt.Sprintf("buffer #%d<size %d, VRAM %s, pins %d, maps %d>",
			b.handle, b.size, b.extent, b.pinCount, b.kmapRefs)
	default:
		return fmt.Sprintf("buffer #%d<size %d, %s, pins %d, maps %d>",
			b.handle, b.size, b.tier, b.pinCount, b.kmapRefs)
	}
}
