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
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	libregion "github.com/scott4165/vram-manager/pkg/vram/lib/region"
)

// Mapping is a CPU-visible mapping of a buffer's backing storage.
type Mapping struct {
	data    []byte
	isIOMem bool
}

// Bytes returns the mapped bytes.
func (m Mapping) Bytes() []byte {
	return m.data
}

// IsIOMem returns true if the mapping is backed by I/O memory.
func (m Mapping) IsIOMem() bool {
	return m.isIOMem
}

// IsValid returns true if the mapping refers to mapped memory.
func (m Mapping) IsValid() bool {
	return m.data != nil
}

// Binding is backing storage reserved for a single placement of a buffer
// object in some tier.
type Binding interface {
	// Map establishes a CPU mapping of the backing storage.
	Map() (Mapping, error)
	// Unmap tears down a mapping previously established by Map.
	Unmap(Mapping) error
	// Release drops the backing storage.
	Release() error
}

// Backend provides backing storage for one memory tier. The engine only
// depends on this interface; the concrete backends below cover ordinary
// process memory and device apertures, and tests substitute their own.
type Backend interface {
	// Tier returns the tier the backend provides storage for.
	Tier() Tier
	// IsIOMem returns true if mappings of this tier are I/O memory.
	IsIOMem() bool
	// BusBase returns the bus address of the start of the tier's space.
	BusBase() uint64
	// Bind reserves backing storage for the given extent of the tier.
	Bind(ext libregion.Extent) (Binding, error)
}

// NewSystemBackend returns the backend for the system memory tier. Each
// binding is an anonymous memory mapping of the buffer size; the mapping
// doubles as the buffer contents, so establishing a CPU mapping is free
// and tearing one down leaves the contents in place.
func NewSystemBackend() Backend {
	return &systemBackend{}
}

type systemBackend struct{}

func (sb *systemBackend) Tier() Tier {
	return TierSystem
}

func (sb *systemBackend) IsIOMem() bool {
	return false
}

func (sb *systemBackend) BusBase() uint64 {
	return 0
}

func (sb *systemBackend) Bind(ext libregion.Extent) (Binding, error) {
	data, err := unix.Mmap(-1, 0, int(ext.Length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vram: failed to allocate %d bytes of system memory: %w",
			ext.Length, err)
	}
	return &systemBinding{data: data}, nil
}

type systemBinding struct {
	data []byte
}

func (b *systemBinding) Map() (Mapping, error) {
	return Mapping{data: b.data, isIOMem: false}, nil
}

func (b *systemBinding) Unmap(Mapping) error {
	return nil
}

func (b *systemBinding) Release() error {
	data := b.data
	b.data = nil
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// NewIOBackend returns a backend for the fast tier backed by a device
// resource file (a /dev/mem style aperture). Mappings are established
// with mmap at base+offset of the resource file and are I/O memory.
// Extents handed to Bind must be aligned to the page size.
func NewIOBackend(resource *os.File, busBase uint64) Backend {
	return &ioBackend{resource: resource, busBase: busBase}
}

type ioBackend struct {
	resource *os.File
	busBase  uint64
}

func (ib *ioBackend) Tier() Tier {
	return TierVRAM
}

func (ib *ioBackend) IsIOMem() bool {
	return true
}

func (ib *ioBackend) BusBase() uint64 {
	return ib.busBase
}

func (ib *ioBackend) Bind(ext libregion.Extent) (Binding, error) {
	return &ioBinding{backend: ib, ext: ext}, nil
}

type ioBinding struct {
	backend *ioBackend
	ext     libregion.Extent
}

func (b *ioBinding) Map() (Mapping, error) {
	ib := b.backend
	data, err := unix.Mmap(int(ib.resource.Fd()),
		int64(ib.busBase)+b.ext.Offset, int(b.ext.Length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return Mapping{}, fmt.Errorf("vram: failed to map aperture extent %s: %w",
			b.ext, err)
	}
	return Mapping{data: data, isIOMem: true}, nil
}

func (b *ioBinding) Unmap(m Mapping) error {
	if !m.IsValid() {
		return nil
	}
	return unix.Munmap(m.Bytes())
}

func (b *ioBinding) Release() error {
	// The aperture extent itself is owned and returned by the manager.
	return nil
}

// NewShadowBackend returns a fast-tier backend shadowed by anonymous
// memory. It keeps the placement and eviction machinery fully
// exercisable on machines without a mappable device aperture.
func NewShadowBackend(busBase uint64, size int64) (Backend, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("vram: failed to allocate %d byte shadow aperture: %w",
			size, err)
	}
	return &shadowBackend{busBase: busBase, data: data}, nil
}

type shadowBackend struct {
	busBase uint64
	data    []byte
}

func (sb *shadowBackend) Tier() Tier {
	return TierVRAM
}

func (sb *shadowBackend) IsIOMem() bool {
	return true
}

func (sb *shadowBackend) BusBase() uint64 {
	return sb.busBase
}

func (sb *shadowBackend) Bind(ext libregion.Extent) (Binding, error) {
	if ext.Offset < 0 || ext.End() > int64(len(sb.data)) {
		return nil, fmt.Errorf("vram: extent %s outside shadow aperture", ext)
	}
	return &shadowBinding{data: sb.data[ext.Offset:ext.End():ext.End()]}, nil
}

func (sb *shadowBackend) Close() error {
	data := sb.data
	sb.data = nil
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

type shadowBinding struct {
	data []byte
}

func (b *shadowBinding) Map() (Mapping, error) {
	return Mapping{data: b.data, isIOMem: true}, nil
}

func (b *shadowBinding) Unmap(Mapping) error {
	return nil
}

func (b *shadowBinding) Release() error {
	return nil
}
