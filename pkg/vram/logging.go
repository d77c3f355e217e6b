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
	logger "github.com/scott4165/vram-manager/pkg/log"
)

var (
	log     = logger.Get("vram")
	details = logger.Get("vram-details")
)

// DumpState logs the buffer registry and the fast-tier allocation map.
func (m *Manager) DumpState() {
	if !details.DebugEnabled() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.buffers) == 0 {
		details.Debug("  no buffers")
	} else {
		details.Debug("  buffers:")
		for _, b := range m.buffers {
			if b.res.tryAcquire() {
				details.Debug("    - %s", b)
				b.res.release()
			} else {
				details.Debug("    - buffer #%d<size %d, busy>", b.handle, b.size)
			}
		}
	}

	if m.vram == nil {
		details.Debug("  fast tier torn down")
		return
	}
	m.vram.DumpState("  fast tier ")
}
