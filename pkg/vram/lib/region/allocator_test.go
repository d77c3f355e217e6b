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

package libregion_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/scott4165/vram-manager/pkg/vram/lib/region"
)

func TestNew(t *testing.T) {
	a, err := New(4096)
	require.Nil(t, err, "unexpected New() error")
	require.NotNil(t, a, "unexpected nil allocator")
	require.Equal(t, int64(4096), a.Capacity(), "capacity")
	require.Equal(t, int64(0), a.Used(), "used bytes")
	require.Equal(t, int64(4096), a.Available(), "available bytes")

	for _, capacity := range []int64{0, -1, -4096} {
		_, err := New(capacity)
		require.ErrorIs(t, err, ErrInvalidCapacity, "capacity %d", capacity)
	}
}

func TestAllocateFirstFit(t *testing.T) {
	a, err := New(4096)
	require.Nil(t, err, "unexpected New() error")

	e1, err := a.Allocate(1024, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, Extent{Offset: 0, Length: 1024}, e1, "first allocation")

	e2, err := a.Allocate(512, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, Extent{Offset: 1024, Length: 512}, e2, "second allocation")

	require.Equal(t, int64(1536), a.Used(), "used bytes")
	require.Equal(t, int64(2560), a.Available(), "available bytes")

	// freeing the first extent opens a hole which the next fitting
	// allocation must reuse in preference to the tail
	require.Nil(t, a.Free(e1), "unexpected Free() error")

	e3, err := a.Allocate(256, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, int64(0), e3.Offset, "hole reuse offset")
}

func TestAllocateAlignment(t *testing.T) {
	a, err := New(65536)
	require.Nil(t, err, "unexpected New() error")

	_, err = a.Allocate(100, 0)
	require.Nil(t, err, "unexpected Allocate() error")

	e, err := a.Allocate(100, 4096)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, int64(4096), e.Offset, "aligned offset")

	// alignment slack before the aligned extent stays free
	e2, err := a.Allocate(100, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, int64(100), e2.Offset, "slack reuse offset")

	_, err = a.Allocate(100, 1000)
	require.ErrorIs(t, err, ErrInvalidRequest, "non-power-of-two alignment")
	_, err = a.Allocate(0, 0)
	require.ErrorIs(t, err, ErrInvalidRequest, "zero size")
	_, err = a.Allocate(-1, 0)
	require.ErrorIs(t, err, ErrInvalidRequest, "negative size")
}

func TestAllocateExhaustion(t *testing.T) {
	a, err := New(4096)
	require.Nil(t, err, "unexpected New() error")

	e, err := a.Allocate(4096, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, int64(0), a.Available(), "available bytes")

	_, err = a.Allocate(1, 0)
	require.ErrorIs(t, err, ErrNoSpace, "allocation from a full space")

	require.Nil(t, a.Free(e), "unexpected Free() error")

	e, err = a.Allocate(4096, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, Extent{Offset: 0, Length: 4096}, e, "reallocation")
}

func TestFragmentation(t *testing.T) {
	a, err := New(4096)
	require.Nil(t, err, "unexpected New() error")

	var extents []Extent
	for i := 0; i < 4; i++ {
		e, err := a.Allocate(1024, 0)
		require.Nil(t, err, "unexpected Allocate() error")
		extents = append(extents, e)
	}

	// free every other extent, leaving two 1K holes
	require.Nil(t, a.Free(extents[0]), "unexpected Free() error")
	require.Nil(t, a.Free(extents[2]), "unexpected Free() error")
	require.Equal(t, int64(2048), a.Available(), "available bytes")

	_, err = a.Allocate(2048, 0)
	require.ErrorIs(t, err, ErrNoSpace, "fragmented space")

	// freeing the separating extent merges all three into one extent
	require.Nil(t, a.Free(extents[1]), "unexpected Free() error")

	e, err := a.Allocate(3072, 0)
	require.Nil(t, err, "unexpected Allocate() error")
	require.Equal(t, Extent{Offset: 0, Length: 3072}, e, "merged extent")
}

func TestFree(t *testing.T) {
	a, err := New(4096)
	require.Nil(t, err, "unexpected New() error")

	e, err := a.Allocate(1024, 0)
	require.Nil(t, err, "unexpected Allocate() error")

	err = a.Free(Extent{Offset: e.Offset, Length: 512})
	require.ErrorIs(t, err, ErrInvalidExtent, "partial free")
	err = a.Free(Extent{Offset: 2048, Length: 1024})
	require.ErrorIs(t, err, ErrInvalidExtent, "unallocated free")

	require.Nil(t, a.Free(e), "unexpected Free() error")
	err = a.Free(e)
	require.ErrorIs(t, err, ErrInvalidExtent, "double free")
}

func TestExtentsPartition(t *testing.T) {
	a, err := New(8192)
	require.Nil(t, err, "unexpected New() error")

	var extents []Extent
	for i := 0; i < 4; i++ {
		e, err := a.Allocate(1024, 0)
		require.Nil(t, err, "unexpected Allocate() error")
		extents = append(extents, e)
	}
	require.Nil(t, a.Free(extents[1]), "unexpected Free() error")
	require.Nil(t, a.Free(extents[3]), "unexpected Free() error")

	verifyPartition(t, a)

	free := int64(0)
	a.ForeachFree(func(e Extent) bool {
		free += e.Length
		return ForeachMore
	})
	require.Equal(t, a.Available(), free, "free extents vs. available bytes")

	count := 0
	a.ForeachExtent(func(info ExtentInfo) bool {
		count++
		return ForeachDone
	})
	require.Equal(t, 1, count, "terminated iteration")
}

// verifyPartition checks that the allocation map covers the whole space
// exactly once, with no adjacent free extents left unmerged.
func verifyPartition(t *testing.T, a *Allocator) {
	infos := a.Extents()
	require.NotEmpty(t, infos, "allocation map")

	next := int64(0)
	prevFree := false
	for _, info := range infos {
		require.Equal(t, next, info.Offset, "contiguous coverage at %s", info)
		require.Greater(t, info.Length, int64(0), "non-empty extent %s", info)
		if info.Free {
			require.False(t, prevFree, "adjacent free extents at %s", info)
		}
		prevFree = info.Free
		next = info.End()
	}
	require.Equal(t, a.Capacity(), next, "coverage up to capacity")
}
