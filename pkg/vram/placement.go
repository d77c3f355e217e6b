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
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	libregion "github.com/scott4165/vram-manager/pkg/vram/lib/region"
)

// policy decides candidate tiers for a buffer and drives tier
// transitions against the fast-tier allocator.
type policy struct {
	m *Manager
}

// computeCandidates builds the ordered list of acceptable tiers for a
// buffer. A zero mask means "keep the current placement", or the default
// VRAM-first preference for a still unbound buffer.
func (p *policy) computeCandidates(b *Buffer, requested TierMask) []Tier {
	if requested == 0 {
		if b.tier != TierUnbound {
			return []Tier{b.tier}
		}
		return TierMaskAll.Slice()
	}
	return requested.Slice()
}

// validate places the buffer into the first candidate tier that can be
// satisfied, evicting unpinned fast-tier buffers on demand. The buffer's
// reservation must be held by the caller. With noEvict set the resulting
// placement is excluded from future victim selection; this is how
// pinning prevents relocation.
func (p *policy) validate(b *Buffer, candidates []Tier, noEvict bool) error {
	if len(candidates) == 0 {
		return fmt.Errorf("%w: empty candidate tier list", ErrInvalidArgument)
	}

	for _, t := range candidates {
		if b.tier == t {
			if noEvict {
				b.noEvict = true
			}
			return nil
		}
	}

	var placeErr error

	for _, t := range candidates {
		switch t {
		case TierVRAM:
			ext, err := p.m.allocateVRAM(b.size, b.align)
			if err != nil {
				placeErr = err
				continue
			}
			binding, err := p.m.backend(TierVRAM).Bind(ext)
			if err != nil {
				p.m.freeVRAM(ext)
				placeErr = err
				continue
			}
			return p.move(b, t, ext, binding, noEvict)

		case TierSystem:
			binding, err := p.m.backend(TierSystem).Bind(libregion.NewExtent(0, b.size))
			if err != nil {
				placeErr = err
				continue
			}
			return p.move(b, t, libregion.Extent{}, binding, noEvict)

		default:
			placeErr = fmt.Errorf("%w: candidate tier %s", ErrInvalidArgument, t)
		}
	}

	if placeErr != nil {
		return placeErr
	}
	return ErrNoSpace
}

// move rebinds the buffer to the new placement, migrating its contents
// synchronously on the calling goroutine. On failure the new placement
// is unwound and the buffer keeps its old one.
func (p *policy) move(b *Buffer, tier Tier, ext libregion.Extent, binding Binding, noEvict bool) error {
	if b.binding != nil {
		if err := copyContents(binding, b.binding); err != nil {
			if rerr := binding.Release(); rerr != nil {
				log.Error("failed to release unwound backing of %s: %v", b, rerr)
			}
			if tier == TierVRAM {
				p.m.freeVRAM(ext)
			}
			return err
		}

		p.moveNotify(b)

		if err := b.binding.Release(); err != nil {
			log.Error("failed to release old backing of %s: %v", b, err)
		}
		if b.tier == TierVRAM {
			p.m.freeVRAM(b.extent)
		}

		atomic.AddUint64(&p.m.migrations, 1)
		log.Debug("migrated %s from %s to %s", b, b.tier, tier)
	}

	b.tier = tier
	b.extent = ext
	b.binding = binding
	if noEvict {
		b.noEvict = true
	}

	return nil
}

// moveNotify is invoked on any tier transition of a buffer. It forces
// release of an idle cached CPU mapping; a transition with outstanding
// mapping references is a caller bug and leaves the mapping in place.
func (p *policy) moveNotify(b *Buffer) {
	if b.kmapRefs != 0 {
		p.m.misuse("tier transition of %s with %d active mapping refs", b, b.kmapRefs)
		return
	}

	if !b.kmap.IsValid() {
		return
	}

	if err := b.binding.Unmap(b.kmap); err != nil {
		log.Error("failed to unmap %s on tier transition: %v", b, err)
	}
	b.kmap = Mapping{}
	atomic.AddUint64(&p.m.mapsReleased, 1)
}

// allocateVRAM reserves a fast-tier extent, evicting unpinned fast-tier
// buffers one by one until the allocation succeeds or no evictable
// victims remain.
func (m *Manager) allocateVRAM(size, align int64) (libregion.Extent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vram == nil {
		return libregion.Extent{}, ErrNotInitialized
	}

	for {
		ext, err := m.vram.Allocate(size, align)
		if err == nil {
			return ext, nil
		}
		if !errors.Is(err, libregion.ErrNoSpace) {
			return libregion.Extent{}, err
		}
		if !m.evictOneLocked() {
			return libregion.Extent{}, fmt.Errorf("%w: %d bytes align %d: no evictable victims left",
				ErrNoSpace, size, align)
		}
	}
}

// freeVRAM returns a fast-tier extent to the allocator.
func (m *Manager) freeVRAM(ext libregion.Extent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vram == nil {
		return
	}
	if err := m.vram.Free(ext); err != nil {
		log.Error("failed to free fast-tier extent %s: %v", ext, err)
	}
}

// evictOneLocked evicts one unpinned fast-tier buffer to the system
// tier. Victims are scanned in creation order; victims whose reservation
// cannot be acquired without blocking are skipped to avoid lock-ordering
// deadlocks between concurrent validations. Called with the manager
// lock held.
func (m *Manager) evictOneLocked() bool {
	victims := make([]*Buffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		victims = append(victims, b)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].handle < victims[j].handle
	})

	for _, v := range victims {
		if !v.res.tryAcquire() {
			continue
		}

		if v.tier != TierVRAM || v.pinCount > 0 || v.noEvict {
			v.res.release()
			continue
		}
		if v.kmapRefs > 0 {
			m.misuse("eviction candidate %s has active mapping refs", v)
			v.res.release()
			continue
		}

		if m.evictLocked(v) {
			v.res.release()
			return true
		}
		v.res.release()
	}

	return false
}

// evictLocked forces the victim out of the fast tier. Called with both
// the manager lock and the victim's reservation held.
func (m *Manager) evictLocked(v *Buffer) bool {
	binding, err := m.backends[TierSystem].Bind(libregion.NewExtent(0, v.size))
	if err != nil {
		log.Error("failed to bind system memory for eviction of %s: %v", v, err)
		return false
	}

	if err := copyContents(binding, v.binding); err != nil {
		log.Error("failed to copy contents for eviction of %s: %v", v, err)
		if rerr := binding.Release(); rerr != nil {
			log.Error("failed to release backing: %v", rerr)
		}
		return false
	}

	m.policy.moveNotify(v)

	if err := v.binding.Release(); err != nil {
		log.Error("failed to release fast-tier backing of %s: %v", v, err)
	}
	if err := m.vram.Free(v.extent); err != nil {
		log.Error("failed to free fast-tier extent %s: %v", v.extent, err)
	}

	log.Debug("evicted %s from fast-tier extent %s", v, v.extent)

	v.tier = TierSystem
	v.extent = libregion.Extent{}
	v.binding = binding

	atomic.AddUint64(&m.evictions, 1)
	atomic.AddUint64(&m.migrations, 1)

	return true
}

// copyContents copies buffer contents between two bindings through
// transient CPU mappings.
func copyContents(dst, src Binding) error {
	srcMap, err := src.Map()
	if err != nil {
		return fmt.Errorf("vram: failed to map migration source: %w", err)
	}
	defer func() {
		if err := src.Unmap(srcMap); err != nil {
			log.Error("failed to unmap migration source: %v", err)
		}
	}()

	dstMap, err := dst.Map()
	if err != nil {
		return fmt.Errorf("vram: failed to map migration target: %w", err)
	}
	defer func() {
		if err := dst.Unmap(dstMap); err != nil {
			log.Error("failed to unmap migration target: %v", err)
		}
	}()

	copy(dstMap.Bytes(), srcMap.Bytes())

	return nil
}
