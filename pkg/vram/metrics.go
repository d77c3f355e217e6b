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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector returns a prometheus collector exposing the manager's
// fast-tier usage and placement activity.
func (m *Manager) Collector() prometheus.Collector {
	return &collector{
		m: m,
		capacity: prometheus.NewDesc(
			"vram_fast_tier_capacity_bytes",
			"Total capacity of the fast memory tier.",
			nil, nil),
		used: prometheus.NewDesc(
			"vram_fast_tier_used_bytes",
			"Bytes of the fast memory tier currently allocated.",
			nil, nil),
		buffers: prometheus.NewDesc(
			"vram_buffers",
			"Number of live buffer objects.",
			nil, nil),
		pinned: prometheus.NewDesc(
			"vram_pinned_buffers",
			"Number of buffer objects currently pinned.",
			nil, nil),
		mapped: prometheus.NewDesc(
			"vram_mapped_buffers",
			"Number of buffer objects with active CPU mapping references.",
			nil, nil),
		evictions: prometheus.NewDesc(
			"vram_evictions_total",
			"Number of buffers evicted from the fast tier.",
			nil, nil),
		migrations: prometheus.NewDesc(
			"vram_migrations_total",
			"Number of buffer migrations between tiers.",
			nil, nil),
		mapsCreated: prometheus.NewDesc(
			"vram_mappings_created_total",
			"Number of CPU mappings established.",
			nil, nil),
		mapsReleased: prometheus.NewDesc(
			"vram_mappings_released_total",
			"Number of CPU mappings torn down.",
			nil, nil),
	}
}

type collector struct {
	m *Manager

	capacity     *prometheus.Desc
	used         *prometheus.Desc
	buffers      *prometheus.Desc
	pinned       *prometheus.Desc
	mapped       *prometheus.Desc
	evictions    *prometheus.Desc
	migrations   *prometheus.Desc
	mapsCreated  *prometheus.Desc
	mapsReleased *prometheus.Desc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.used
	ch <- c.buffers
	ch <- c.pinned
	ch <- c.mapped
	ch <- c.evictions
	ch <- c.migrations
	ch <- c.mapsCreated
	ch <- c.mapsReleased
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	m := c.m

	m.mu.Lock()
	var capacity, used int64
	if m.vram != nil {
		capacity = m.vram.Capacity()
		used = m.vram.Used()
	}
	buffers := len(m.buffers)
	m.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue,
		float64(capacity))
	ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue,
		float64(used))
	ch <- prometheus.MustNewConstMetric(c.buffers, prometheus.GaugeValue,
		float64(buffers))
	ch <- prometheus.MustNewConstMetric(c.pinned, prometheus.GaugeValue,
		float64(atomic.LoadInt64(&m.pinnedBuffers)))
	ch <- prometheus.MustNewConstMetric(c.mapped, prometheus.GaugeValue,
		float64(atomic.LoadInt64(&m.mappedBuffers)))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.evictions)))
	ch <- prometheus.MustNewConstMetric(c.migrations, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.migrations)))
	ch <- prometheus.MustNewConstMetric(c.mapsCreated, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.mapsCreated)))
	ch <- prometheus.MustNewConstMetric(c.mapsReleased, prometheus.CounterValue,
		float64(atomic.LoadUint64(&m.mapsReleased)))
}
