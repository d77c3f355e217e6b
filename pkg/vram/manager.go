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
	"io"
	"os"
	"sync"

	libregion "github.com/scott4165/vram-manager/pkg/vram/lib/region"
)

// Manager owns the fast-tier allocator, the buffer registry and the
// tier backends of one device. It exposes buffer creation and mmap
// forwarding to the framebuffer/display collaborator.
type Manager struct {
	cfg    *Config
	policy policy

	mu         sync.Mutex
	vram       *libregion.Allocator // nil once torn down
	offsets    *libregion.Allocator // mmap-offset space
	backends   map[Tier]Backend
	buffers    map[uint32]*Buffer
	byMmap     map[int64]uint32
	nextHandle uint32
	mmapSvc    MmapService

	// metrics counters, updated atomically
	evictions     uint64
	migrations    uint64
	mapsCreated   uint64
	mapsReleased  uint64
	pinnedBuffers int64
	mappedBuffers int64
}

// Option is an opaque option for a Manager.
type Option func(*Manager) error

// WithBackend is an option to replace the backend of the tier the given
// backend provides storage for.
func WithBackend(b Backend) Option {
	return func(m *Manager) error {
		if b == nil {
			return fmt.Errorf("%w: nil backend", ErrInvalidArgument)
		}
		m.backends[b.Tier()] = b
		return nil
	}
}

// WithVRAMResource is an option to back the fast tier with the given
// device resource file, mapped at the configured fast-tier base.
func WithVRAMResource(resource *os.File) Option {
	return func(m *Manager) error {
		if resource == nil {
			return fmt.Errorf("%w: nil resource file", ErrInvalidArgument)
		}
		m.backends[TierVRAM] = NewIOBackend(resource, m.cfg.FastTierBase)
		return nil
	}
}

// WithMmapService is an option to set the platform service process
// mappings are forwarded to.
func WithMmapService(svc MmapService) Option {
	return func(m *Manager) error {
		m.mmapSvc = svc
		return nil
	}
}

// MmapRequest describes a virtual-memory-area mapping request forwarded
// from the platform's file/mmap plumbing.
type MmapRequest struct {
	// Offset is the mmap-offset-space token of the target buffer.
	Offset int64
	// Length is the length of the requested mapping in bytes.
	Length int64
}

// MmapService is the platform's generic buffer-mapping mechanism.
type MmapService interface {
	Mmap(file *os.File, req MmapRequest, b *Buffer) error
}

// New creates a device memory manager for the given configuration.
// Without an explicit fast-tier backend the aperture is shadowed by
// anonymous memory, which keeps the full placement and eviction
// machinery exercisable on machines without a mappable device.
func New(cfg *Config, options ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil configuration", ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vramAlloc, err := libregion.New(cfg.FastTierSize)
	if err != nil {
		return nil, err
	}
	offsetAlloc, err := libregion.New(cfg.MmapWindowSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		vram:     vramAlloc,
		offsets:  offsetAlloc,
		backends: map[Tier]Backend{TierSystem: NewSystemBackend()},
		buffers:  make(map[uint32]*Buffer),
		byMmap:   make(map[int64]uint32),
	}
	m.policy = policy{m: m}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	if _, ok := m.backends[TierVRAM]; !ok {
		shadow, err := NewShadowBackend(cfg.FastTierBase, cfg.FastTierSize)
		if err != nil {
			return nil, err
		}
		m.backends[TierVRAM] = shadow
	}

	log.Info("device memory manager created: %s", cfg)

	return m, nil
}

// Teardown releases the manager's allocators and backends. The registry
// is expected to be empty; leftover buffers are diagnosed and force
// cleaned. Teardown of an already torn down manager is a no-op.
func (m *Manager) Teardown() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if m.vram == nil {
		m.mu.Unlock()
		return
	}

	stale := make([]*Buffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		stale = append(stale, b)
	}
	m.mu.Unlock()

	if len(stale) > 0 {
		m.misuse("teardown with %d live buffers", len(stale))
		for _, b := range stale {
			b.finalize()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for t, backend := range m.backends {
		if closer, ok := backend.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Error("failed to close %s backend: %v", t, err)
			}
		}
	}

	m.vram = nil
	m.offsets = nil
	m.buffers = make(map[uint32]*Buffer)
	m.byMmap = make(map[int64]uint32)

	log.Info("device memory manager torn down")
}

// backend returns the backend of the given tier.
func (m *Manager) backend(t Tier) Backend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backends[t]
}

// CreateBuffer creates a new, unbound buffer object of the given size
// and extent alignment. A zero alignment picks the configured default.
// The returned buffer holds one reference owned by the caller.
func (m *Manager) CreateBuffer(size, align int64) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidArgument, size)
	}
	if align == 0 {
		align = m.cfg.DefaultAlignment
	}
	if align < 0 || (align&(align-1)) != 0 {
		return nil, fmt.Errorf("%w: alignment %d not a power of two",
			ErrInvalidArgument, align)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vram == nil {
		return nil, ErrNotInitialized
	}

	node, err := m.offsets.Allocate(roundUp(size, m.cfg.PageSize), m.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap-offset space exhausted: %v", ErrNoSpace, err)
	}

	m.nextHandle++
	b := &Buffer{
		m:        m,
		handle:   m.nextHandle,
		size:     size,
		align:    align,
		mmapNode: node,
		res:      newReservation(),
		refs:     1,
		tier:     TierUnbound,
	}

	m.buffers[b.handle] = b
	m.byMmap[node.Offset] = b.handle

	log.Debug("created %s", b)

	return b, nil
}

// CreateDumbBuffer creates a buffer object suitable for a dumb
// framebuffer of the given geometry. It returns the buffer, the scanline
// pitch in bytes and the allocated size, which is the pitch times the
// height rounded up to whole pages.
func (m *Manager) CreateDumbBuffer(width, height, bpp uint32) (*Buffer, uint32, int64, error) {
	pitch := width * ((bpp + 7) / 8)
	size := roundUp(int64(pitch)*int64(height), m.cfg.PageSize)
	if size == 0 {
		return nil, 0, 0, fmt.Errorf("%w: zero-sized dumb buffer (%dx%d, %d bpp)",
			ErrInvalidArgument, width, height, bpp)
	}

	b, err := m.CreateBuffer(size, m.cfg.PageSize)
	if err != nil {
		return nil, 0, 0, err
	}

	return b, pitch, size, nil
}

// Lookup resolves a buffer handle, taking a reference on the buffer.
func (m *Manager) Lookup(handle uint32) (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buffers[handle]
	if !ok || !b.tryRef() {
		return nil, fmt.Errorf("%w: #%d", ErrInvalidHandle, handle)
	}
	return b, nil
}

// LookupMmapOffset returns the mmap-offset-space token of the buffer
// with the given handle.
func (m *Manager) LookupMmapOffset(handle uint32) (int64, error) {
	b, err := m.Lookup(handle)
	if err != nil {
		return 0, err
	}
	defer b.Put()

	return b.MmapOffset(), nil
}

// ForwardMmap forwards a virtual-memory-area mapping request to the
// platform's generic buffer-mapping service. The request offset selects
// the target buffer through the mmap-offset space.
func (m *Manager) ForwardMmap(file *os.File, req MmapRequest) error {
	if m == nil {
		return ErrNotInitialized
	}

	m.mu.Lock()
	if m.vram == nil {
		m.mu.Unlock()
		log.Warn("mmap forwarding attempted on uninitialized manager")
		return ErrNotInitialized
	}

	var target *Buffer
	if handle, ok := m.byMmap[req.Offset]; ok {
		if b := m.buffers[handle]; b.tryRef() {
			target = b
		}
	}
	svc := m.mmapSvc
	m.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: no buffer at mmap offset %#x", ErrInvalidArgument, req.Offset)
	}
	defer target.Put()

	if req.Length > roundUp(target.Size(), m.cfg.PageSize) {
		return fmt.Errorf("%w: mapping length %d exceeds buffer #%d (size %d)",
			ErrInvalidArgument, req.Length, target.handle, target.size)
	}

	if svc == nil {
		return fmt.Errorf("%w: no mmap service configured", ErrNotSupported)
	}

	return svc.Mmap(file, req, target)
}

// FastTierExtents returns a snapshot of the fast-tier allocation map for
// observability tooling. The snapshot is only eventually consistent with
// concurrent allocator activity.
func (m *Manager) FastTierExtents() []libregion.ExtentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vram == nil {
		return nil
	}
	return m.vram.Extents()
}

// BufferCount returns the number of live buffer objects.
func (m *Manager) BufferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers)
}

// FastTierFree returns the number of free fast-tier bytes.
func (m *Manager) FastTierFree() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.vram == nil {
		return 0
	}
	return m.vram.Available()
}

// deregister removes a destroyed buffer from the registry and returns
// its fast-tier extent and mmap-offset node.
func (m *Manager) deregister(b *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.tier == TierVRAM && m.vram != nil {
		if err := m.vram.Free(b.extent); err != nil {
			log.Error("failed to free fast-tier extent %s of %s: %v", b.extent, b, err)
		}
		b.extent = libregion.Extent{}
	}
	if m.offsets != nil {
		if err := m.offsets.Free(b.mmapNode); err != nil {
			log.Error("failed to free mmap-offset node %s of %s: %v", b.mmapNode, b, err)
		}
	}

	delete(m.buffers, b.handle)
	delete(m.byMmap, b.mmapNode.Offset)
}

// misuse diagnoses a caller bug. The operation that detected it refuses
// to proceed without corrupting bookkeeping; with StrictChecks set the
// process halts so the defect is caught early.
func (m *Manager) misuse(format string, args ...interface{}) {
	log.Error("caller misuse: "+format, args...)
	if m.cfg.StrictChecks {
		panic(fmt.Sprintf("vram: caller misuse: "+format, args...))
	}
}

// roundUp rounds size up to the next multiple of granularity.
func roundUp(size, granularity int64) int64 {
	return ((size + granularity - 1) / granularity) * granularity
}

// Device-level instance bookkeeping. Drivers typically create a single
// manager per device; Init and Release implement that pattern with
// idempotent initialization.
var (
	devLock sync.Mutex
	devInst *Manager
)

// Init creates the device instance of the manager. If one already
// exists it is returned as is and a warning is logged.
func Init(cfg *Config, options ...Option) (*Manager, error) {
	devLock.Lock()
	defer devLock.Unlock()

	if devInst != nil {
		log.Warn("device memory manager already initialized")
		return devInst, nil
	}

	m, err := New(cfg, options...)
	if err != nil {
		return nil, err
	}

	devInst = m
	return m, nil
}

// Instance returns the device instance, or nil before Init.
func Instance() *Manager {
	devLock.Lock()
	defer devLock.Unlock()
	return devInst
}

// Release tears down the device instance. It is safe to call without a
// preceding Init.
func Release() {
	devLock.Lock()
	defer devLock.Unlock()

	if devInst == nil {
		return
	}
	devInst.Teardown()
	devInst = nil
}
