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

package libregion

import (
	"fmt"
	"sort"
)

// Allocator hands out non-overlapping extents of a linear address space.
// It implements address-ordered first-fit allocation with splitting of
// oversized free extents and merging of adjacent ones on free. There is
// no compaction; running out of a sufficiently large free extent due to
// fragmentation is a normal, reportable outcome.
//
// An Allocator is not safe for concurrent use; callers are expected to
// serialize access.
type Allocator struct {
	capacity int64
	free     []Extent         // sorted by offset, never adjacent
	used     map[int64]Extent // outstanding allocations by offset
	usedSize int64
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)

// New creates an allocator for the space [0, capacity).
func New(capacity int64) (*Allocator, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	a := &Allocator{
		capacity: capacity,
		free:     []Extent{{Offset: 0, Length: capacity}},
		used:     make(map[int64]Extent),
	}

	log.Debug("created allocator for space [0x0-%#x)", capacity)

	return a, nil
}

// Capacity returns the total size of the managed space.
func (a *Allocator) Capacity() int64 {
	return a.capacity
}

// Used returns the number of currently allocated bytes.
func (a *Allocator) Used() int64 {
	return a.usedSize
}

// Available returns the number of currently free bytes. Note that due to
// fragmentation an allocation of any size up to Available() can still fail.
func (a *Allocator) Available() int64 {
	return a.capacity - a.usedSize
}

// Allocate finds the lowest-addressed free extent which can hold size
// bytes at the given alignment and carves the allocation out of it. Any
// leading alignment slack and trailing remainder stay free. An alignment
// of 0 or 1 means byte-aligned.
func (a *Allocator) Allocate(size, align int64) (Extent, error) {
	if size <= 0 {
		return Extent{}, fmt.Errorf("%w: size %d", ErrInvalidRequest, size)
	}
	if align < 0 || (align&(align-1)) != 0 {
		return Extent{}, fmt.Errorf("%w: alignment %d not a power of two",
			ErrInvalidRequest, align)
	}
	if align == 0 {
		align = 1
	}

	for i, f := range a.free {
		start := alignUp(f.Offset, align)
		if start+size > f.End() {
			continue
		}

		ext := Extent{Offset: start, Length: size}
		a.carve(i, ext)
		a.used[ext.Offset] = ext
		a.usedSize += size

		log.Debug("allocated %s (size %d, align %d)", ext, size, align)

		return ext, nil
	}

	return Extent{}, fmt.Errorf("%w: no free extent for size %d, alignment %d",
		ErrNoSpace, size, align)
}

// Free returns an allocated extent to the free space, merging it with
// any adjacent free extents. The extent must exactly match an extent
// previously returned by Allocate.
func (a *Allocator) Free(ext Extent) error {
	got, ok := a.used[ext.Offset]
	if !ok || got != ext {
		return fmt.Errorf("%w: %s is not an outstanding allocation",
			ErrInvalidExtent, ext)
	}

	delete(a.used, ext.Offset)
	a.usedSize -= ext.Length
	a.insertFree(ext)

	log.Debug("freed %s", ext)

	return nil
}

// ForeachFree calls the given function for each free extent in address
// order. It stops iterating early if the function returns ForeachDone.
func (a *Allocator) ForeachFree(fn func(Extent) bool) {
	for _, f := range a.free {
		if !fn(f) {
			return
		}
	}
}

// ForeachExtent calls the given function for each extent of the full
// allocation map in address order. It stops iterating early if the
// function returns ForeachDone.
func (a *Allocator) ForeachExtent(fn func(ExtentInfo) bool) {
	for _, info := range a.Extents() {
		if !fn(info) {
			return
		}
	}
}

// Extents returns a snapshot of the full allocation map, covering the
// whole managed space in address order.
func (a *Allocator) Extents() []ExtentInfo {
	infos := make([]ExtentInfo, 0, len(a.free)+len(a.used))

	for _, f := range a.free {
		infos = append(infos, ExtentInfo{Extent: f, Free: true})
	}
	for _, u := range a.used {
		infos = append(infos, ExtentInfo{Extent: u, Free: false})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Offset < infos[j].Offset
	})

	return infos
}

// carve removes ext from the free extent at index i, splitting off any
// remaining head and tail pieces.
func (a *Allocator) carve(i int, ext Extent) {
	f := a.free[i]

	head := Extent{Offset: f.Offset, Length: ext.Offset - f.Offset}
	tail := Extent{Offset: ext.End(), Length: f.End() - ext.End()}

	switch {
	case head.Length > 0 && tail.Length > 0:
		a.free[i] = head
		a.free = append(a.free, Extent{})
		copy(a.free[i+2:], a.free[i+1:])
		a.free[i+1] = tail
	case head.Length > 0:
		a.free[i] = head
	case tail.Length > 0:
		a.free[i] = tail
	default:
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// insertFree inserts ext into the free list, keeping it sorted by offset
// and merging with adjacent neighbors.
func (a *Allocator) insertFree(ext Extent) {
	i := sort.Search(len(a.free), func(i int) bool {
		return a.free[i].Offset > ext.Offset
	})

	mergePrev := i > 0 && a.free[i-1].End() == ext.Offset
	mergeNext := i < len(a.free) && ext.End() == a.free[i].Offset

	switch {
	case mergePrev && mergeNext:
		a.free[i-1].Length += ext.Length + a.free[i].Length
		a.free = append(a.free[:i], a.free[i+1:]...)
	case mergePrev:
		a.free[i-1].Length += ext.Length
	case mergeNext:
		a.free[i].Offset = ext.Offset
		a.free[i].Length += ext.Length
	default:
		a.free = append(a.free, Extent{})
		copy(a.free[i+1:], a.free[i:])
		a.free[i] = ext
	}
}

// alignUp rounds offset up to the next multiple of align.
func alignUp(offset, align int64) int64 {
	return (offset + align - 1) &^ (align - 1)
}
