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

package vram_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	. "github.com/scott4165/vram-manager/pkg/vram"
)

// newTestManager creates a manager with the given fast-tier capacity,
// backed by a shadow aperture, torn down when the test finishes.
func newTestManager(t *testing.T, fastTierSize int64) *Manager {
	m, err := New(&Config{FastTierSize: fastTierSize})
	require.Nil(t, err, "unexpected New() error")
	require.NotNil(t, m, "unexpected nil manager")
	t.Cleanup(m.Teardown)
	return m
}

func TestNewManager(t *testing.T) {
	m := newTestManager(t, 4096)
	require.Equal(t, int64(4096), m.FastTierFree(), "initial free fast-tier bytes")
	require.Equal(t, 0, m.BufferCount(), "initial buffer count")

	_, err := New(nil)
	require.ErrorIs(t, err, ErrInvalidArgument, "nil configuration")
	_, err = New(&Config{})
	require.ErrorIs(t, err, ErrInvalidArgument, "missing fast tier size")
}

func TestCreateBuffer(t *testing.T) {
	m := newTestManager(t, 1<<20)

	b, err := m.CreateBuffer(4096, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")
	require.Equal(t, int64(4096), b.Size(), "buffer size")
	require.Equal(t, int64(DefaultPageSize), b.Alignment(), "defaulted alignment")
	require.Equal(t, TierUnbound, b.CurrentTier(), "initial tier")
	require.Equal(t, 1, m.BufferCount(), "buffer count")
	require.Equal(t, int64(1<<20), m.FastTierFree(), "unbound buffer consumes no fast tier")

	b.Put()
	require.Equal(t, 0, m.BufferCount(), "buffer count after destruction")

	_, err = m.CreateBuffer(0, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "zero-sized buffer")
	_, err = m.CreateBuffer(-1, 0)
	require.ErrorIs(t, err, ErrInvalidArgument, "negative-sized buffer")
	_, err = m.CreateBuffer(4096, 1000)
	require.ErrorIs(t, err, ErrInvalidArgument, "non-power-of-two alignment")
}

func TestCreateDumbBuffer(t *testing.T) {
	m := newTestManager(t, 1<<20)

	b, pitch, size, err := m.CreateDumbBuffer(100, 50, 32)
	require.Nil(t, err, "unexpected CreateDumbBuffer() error")
	require.Equal(t, uint32(400), pitch, "scanline pitch")
	require.Equal(t, int64(20480), size, "page-rounded size")
	require.Equal(t, size, b.Size(), "buffer size")
	defer b.Put()

	// 15 bpp rounds up to whole bytes per pixel
	b2, pitch, _, err := m.CreateDumbBuffer(100, 50, 15)
	require.Nil(t, err, "unexpected CreateDumbBuffer() error")
	require.Equal(t, uint32(200), pitch, "scanline pitch at 15 bpp")
	defer b2.Put()

	_, _, _, err = m.CreateDumbBuffer(0, 0, 32)
	require.ErrorIs(t, err, ErrInvalidArgument, "zero-sized dumb buffer")
}

func TestLookup(t *testing.T) {
	m := newTestManager(t, 1<<20)

	b, err := m.CreateBuffer(4096, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")

	got, err := m.Lookup(b.Handle())
	require.Nil(t, err, "unexpected Lookup() error")
	require.Equal(t, b, got, "looked up buffer")
	got.Put()

	offset, err := m.LookupMmapOffset(b.Handle())
	require.Nil(t, err, "unexpected LookupMmapOffset() error")
	require.Equal(t, b.MmapOffset(), offset, "mmap offset")

	b.Put()
	_, err = m.Lookup(b.Handle())
	require.ErrorIs(t, err, ErrInvalidHandle, "lookup of destroyed buffer")
	_, err = m.LookupMmapOffset(12345)
	require.ErrorIs(t, err, ErrInvalidHandle, "lookup of unknown handle")
}

func TestLookupDuringDestruction(t *testing.T) {
	m := newTestManager(t, 1<<20)

	for i := 0; i < 2000; i++ {
		b, err := m.CreateBuffer(4096, 0)
		require.Nil(t, err, "unexpected CreateBuffer() error")
		handle := b.Handle()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Put()
		}()

		got, err := m.Lookup(handle)
		wg.Wait()

		if err != nil {
			require.ErrorIs(t, err, ErrInvalidHandle, "lookup losing to destruction")
			continue
		}

		// a lookup that wins the race must hand out a reference which
		// keeps the buffer registered until that reference is dropped
		again, err := m.Lookup(handle)
		require.Nil(t, err, "buffer destroyed while referenced")
		again.Put()
		got.Put()
	}

	require.Equal(t, 0, m.BufferCount(), "buffer count after the races")
}

func TestMmapOffsetsDistinct(t *testing.T) {
	m := newTestManager(t, 1<<20)

	offsets := map[int64]struct{}{}
	for i := 0; i < 16; i++ {
		b, err := m.CreateBuffer(100, 0)
		require.Nil(t, err, "unexpected CreateBuffer() error")
		defer b.Put()

		_, taken := offsets[b.MmapOffset()]
		require.False(t, taken, "duplicate mmap offset %#x", b.MmapOffset())
		offsets[b.MmapOffset()] = struct{}{}
	}
}

type recordingMmapService struct {
	file *os.File
	req  MmapRequest
	b    *Buffer
}

func (svc *recordingMmapService) Mmap(file *os.File, req MmapRequest, b *Buffer) error {
	svc.file, svc.req, svc.b = file, req, b
	return nil
}

func TestForwardMmap(t *testing.T) {
	svc := &recordingMmapService{}
	m, err := New(&Config{FastTierSize: 1 << 20}, WithMmapService(svc))
	require.Nil(t, err, "unexpected New() error")
	t.Cleanup(m.Teardown)

	b, err := m.CreateBuffer(5000, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")
	defer b.Put()

	req := MmapRequest{Offset: b.MmapOffset(), Length: 8192}
	require.Nil(t, m.ForwardMmap(nil, req), "unexpected ForwardMmap() error")
	require.Equal(t, b, svc.b, "forwarded buffer")
	require.Equal(t, req, svc.req, "forwarded request")

	err = m.ForwardMmap(nil, MmapRequest{Offset: b.MmapOffset() + 1, Length: 4096})
	require.ErrorIs(t, err, ErrInvalidArgument, "unknown mmap offset")

	// length may cover the page-rounded size but not more
	err = m.ForwardMmap(nil, MmapRequest{Offset: b.MmapOffset(), Length: 12288})
	require.ErrorIs(t, err, ErrInvalidArgument, "oversized mapping request")
}

func TestForwardMmapWithoutService(t *testing.T) {
	m := newTestManager(t, 1<<20)

	b, err := m.CreateBuffer(4096, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")
	defer b.Put()

	err = m.ForwardMmap(nil, MmapRequest{Offset: b.MmapOffset(), Length: 4096})
	require.ErrorIs(t, err, ErrNotSupported, "no mmap service configured")
}

func TestTeardown(t *testing.T) {
	m, err := New(&Config{FastTierSize: 4096})
	require.Nil(t, err, "unexpected New() error")

	b, err := m.CreateBuffer(1024, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")
	b.Put()

	m.Teardown()
	m.Teardown() // repeated teardown is a no-op

	_, err = m.CreateBuffer(1024, 0)
	require.ErrorIs(t, err, ErrNotInitialized, "creation after teardown")
	err = m.ForwardMmap(nil, MmapRequest{})
	require.ErrorIs(t, err, ErrNotInitialized, "mmap forwarding after teardown")
	require.Nil(t, m.FastTierExtents(), "allocation map after teardown")
}

func TestDeviceInstance(t *testing.T) {
	Release() // start from a clean slate

	m, err := Init(&Config{FastTierSize: 4096})
	require.Nil(t, err, "unexpected Init() error")
	require.Equal(t, m, Instance(), "device instance")

	again, err := Init(&Config{FastTierSize: 8192})
	require.Nil(t, err, "unexpected repeated Init() error")
	require.Equal(t, m, again, "repeated initialization returns the instance")

	Release()
	require.Nil(t, Instance(), "instance after release")
	Release() // repeated release is a no-op
}

func TestMetricsCollector(t *testing.T) {
	m := newTestManager(t, 1<<20)

	b, err := m.CreateBuffer(4096, 0)
	require.Nil(t, err, "unexpected CreateBuffer() error")
	defer b.Put()
	require.Nil(t, b.Pin(context.Background(), 0), "unexpected Pin() error")
	defer b.Unpin()

	registry := prometheus.NewPedanticRegistry()
	require.Nil(t, registry.Register(m.Collector()), "unexpected Register() error")

	families, err := registry.Gather()
	require.Nil(t, err, "unexpected Gather() error")

	values := map[string]float64{}
	for _, mf := range families {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue() +
			mf.GetMetric()[0].GetCounter().GetValue()
	}

	require.Equal(t, float64(1<<20), values["vram_fast_tier_capacity_bytes"], "capacity")
	require.Equal(t, float64(4096), values["vram_fast_tier_used_bytes"], "used bytes")
	require.Equal(t, float64(1), values["vram_buffers"], "buffer count")
	require.Equal(t, float64(1), values["vram_pinned_buffers"], "pinned buffers")
}
