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

	"sigs.k8s.io/yaml"
)

const (
	// DefaultPageSize is the page size used unless configured otherwise.
	DefaultPageSize = 4096
	// DefaultMmapWindowSize is the default size of the mmap-offset space.
	DefaultMmapWindowSize = 1 << 30
)

// Config is the configuration of a device memory manager.
type Config struct {
	// FastTierBase is the bus address of the start of the fast tier.
	FastTierBase uint64 `json:"fastTierBase"`
	// FastTierSize is the fast tier capacity in bytes.
	FastTierSize int64 `json:"fastTierSize"`
	// PageSize is the allocation and mapping granularity.
	PageSize int64 `json:"pageSize,omitempty"`
	// DefaultAlignment is the extent alignment used when a buffer is
	// created without an explicit one. Defaults to PageSize.
	DefaultAlignment int64 `json:"defaultAlignment,omitempty"`
	// MmapWindowSize is the size of the linear space mmap offsets are
	// handed out of.
	MmapWindowSize int64 `json:"mmapWindowSize,omitempty"`
	// StrictChecks turns caller-misuse diagnostics into panics to catch
	// collaborator bugs early.
	StrictChecks bool `json:"strictChecks,omitempty"`
}

// ParseConfig parses a YAML-encoded manager configuration.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse configuration: %w",
			ErrInvalidArgument, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills in defaults and checks the configuration for sanity.
func (c *Config) Validate() error {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize < 0 || (c.PageSize&(c.PageSize-1)) != 0 {
		return fmt.Errorf("%w: page size %d not a power of two",
			ErrInvalidArgument, c.PageSize)
	}
	if c.DefaultAlignment == 0 {
		c.DefaultAlignment = c.PageSize
	}
	if c.DefaultAlignment < 0 || (c.DefaultAlignment&(c.DefaultAlignment-1)) != 0 {
		return fmt.Errorf("%w: default alignment %d not a power of two",
			ErrInvalidArgument, c.DefaultAlignment)
	}
	if c.MmapWindowSize == 0 {
		c.MmapWindowSize = DefaultMmapWindowSize
	}
	if c.FastTierSize <= 0 {
		return fmt.Errorf("%w: fast tier size %d", ErrInvalidArgument, c.FastTierSize)
	}
	if c.MmapWindowSize < c.PageSize {
		return fmt.Errorf("%w: mmap window size %d smaller than a page",
			ErrInvalidArgument, c.MmapWindowSize)
	}
	return nil
}

// String returns a one-line description of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("fast tier %#x+%#x, page size %d, default alignment %d",
		c.FastTierBase, c.FastTierSize, c.PageSize, c.DefaultAlignment)
}
