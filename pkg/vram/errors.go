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

import "fmt"

var (
	ErrNoSpace         = fmt.Errorf("vram: no tier can satisfy the placement")
	ErrNotPinned       = fmt.Errorf("vram: buffer is not pinned")
	ErrNotMapped       = fmt.Errorf("vram: buffer is not mapped")
	ErrNotInitialized  = fmt.Errorf("vram: memory manager not initialized")
	ErrInvalidArgument = fmt.Errorf("vram: invalid argument")
	ErrInvalidHandle   = fmt.Errorf("vram: invalid buffer handle")
	ErrInterrupted     = fmt.Errorf("vram: lock wait interrupted")
	ErrNotSupported    = fmt.Errorf("vram: operation not supported")
)
