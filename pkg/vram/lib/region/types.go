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
	"encoding/json"
	"fmt"
)

// Extent is a contiguous range of a linear address space.
type Extent struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// NewExtent returns an extent for the given offset and length.
func NewExtent(offset, length int64) Extent {
	return Extent{Offset: offset, Length: length}
}

// End returns the first offset past the extent.
func (e Extent) End() int64 {
	return e.Offset + e.Length
}

// IsZero returns true for the zero extent.
func (e Extent) IsZero() bool {
	return e.Offset == 0 && e.Length == 0
}

// Contains returns true if the extent fully contains the other one.
func (e Extent) Contains(o Extent) bool {
	return e.Offset <= o.Offset && o.End() <= e.End()
}

// Overlaps returns true if the extents share at least one byte.
func (e Extent) Overlaps(o Extent) bool {
	return e.Offset < o.End() && o.Offset < e.End()
}

// String returns a string representation of the extent.
func (e Extent) String() string {
	return fmt.Sprintf("[%#x-%#x)", e.Offset, e.End())
}

// ExtentInfo describes one extent of an allocation map snapshot.
type ExtentInfo struct {
	Extent
	Free bool `json:"free"`
}

// String returns a string representation of the extent info.
func (i ExtentInfo) String() string {
	state := "used"
	if i.Free {
		state = "free"
	}
	return fmt.Sprintf("%s %s", i.Extent, state)
}

// MarshalJSON is the json.Marshaller for ExtentInfo.
func (i ExtentInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Offset int64 `json:"offset"`
		Length int64 `json:"length"`
		Free   bool  `json:"free"`
	}{i.Offset, i.Length, i.Free})
}
