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

	logger "github.com/scott4165/vram-manager/pkg/log"
)

var (
	log = logger.Get("libregion")
)

// DumpState logs the full allocation map of the allocator.
func (a *Allocator) DumpState(context ...interface{}) {
	if !log.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)

	log.Debug("%sallocation map (capacity %d, used %d, free %d):",
		prefix, a.Capacity(), a.Used(), a.Available())
	a.ForeachExtent(func(info ExtentInfo) bool {
		log.Debug("%s  %s", prefix, info)
		return ForeachMore
	})
}

func formatPrefix(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!libregion:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
