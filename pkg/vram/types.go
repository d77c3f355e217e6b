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
	"encoding/json"
	"fmt"
	"strings"
)

// Tier represents the memory tiers a buffer object can occupy.
type Tier int

const (
	TierUnbound Tier = iota // no backing storage assigned yet
	TierVRAM                // dedicated, address-mapped video memory
	TierSystem              // generic system memory
)

var (
	tierToString = map[Tier]string{
		TierUnbound: "unbound",
		TierVRAM:    "VRAM",
		TierSystem:  "system",
	}
	stringToTier = map[string]Tier{
		"UNBOUND": TierUnbound,
		"VRAM":    TierVRAM,
		"SYSTEM":  TierSystem,
	}
)

// ParseTier parses the given string into a memory tier.
func ParseTier(str string) (Tier, error) {
	if t, ok := stringToTier[strings.ToUpper(str)]; ok {
		return t, nil
	}

	return 0, fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, str)
}

// MustParseTier parses the given string into a memory tier.
// It panicks on failure.
func MustParseTier(str string) Tier {
	t, err := ParseTier(str)
	if err == nil {
		return t
	}

	panic(err)
}

// Mask returns the TierMask for the tier.
func (t Tier) Mask() TierMask {
	if t == TierUnbound {
		return 0
	}
	return TierMask(1 << (t - 1))
}

// IsValid returns true if the tier is valid/known.
func (t Tier) IsValid() bool {
	_, ok := tierToString[t]
	return ok
}

// String returns a string representation of the tier.
func (t Tier) String() string {
	if str, ok := tierToString[t]; ok {
		return str
	}

	return fmt.Sprintf("%%!(vram:Bad-Tier %d)", t)
}

// MarshalJSON is the json.Marshaller for Tier.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the json.Unmarshaller for Tier.
func (t *Tier) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	parsed, err := ParseTier(str)
	if err != nil {
		return err
	}

	*t = parsed
	return nil
}

// TierMask represents a set of memory tiers as a bit mask. A TierMask is
// used to express the set of acceptable placements for a buffer object.
// The zero mask stands for the default placement preference.
type TierMask int

const (
	TierMaskVRAM   TierMask = 1 << (TierVRAM - 1)   // dedicated video memory
	TierMaskSystem TierMask = 1 << (TierSystem - 1) // generic system memory
	TierMaskAll    TierMask = TierMaskVRAM | TierMaskSystem
)

// NewTierMask returns a TierMask containing the given tiers.
func NewTierMask(tiers ...Tier) TierMask {
	m := TierMask(0)
	for _, t := range tiers {
		m |= t.Mask()
	}
	return m & TierMaskAll
}

// ParseTierMask parses the given string into a TierMask.
func ParseTierMask(str string) (TierMask, error) {
	m := TierMask(0)
	for _, s := range strings.Split(str, ",") {
		t, err := ParseTier(strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		if t == TierUnbound {
			return 0, fmt.Errorf("%w: unbound in tier mask %q", ErrInvalidArgument, str)
		}
		m |= t.Mask()
	}
	return m, nil
}

// Slice returns the tiers present in the TierMask, fastest first.
func (m TierMask) Slice() []Tier {
	var tiers []Tier
	for _, t := range []Tier{TierVRAM, TierSystem} {
		if (m & t.Mask()) != 0 {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Set returns a TierMask with the original and the given tiers added.
func (m TierMask) Set(tiers ...Tier) TierMask {
	for _, t := range tiers {
		m |= t.Mask()
	}
	return m
}

// Clear returns a TierMask with the given tiers removed.
func (m TierMask) Clear(tiers ...Tier) TierMask {
	for _, t := range tiers {
		m &^= t.Mask()
	}
	return m
}

// Contains returns true if all the given tiers are present in the TierMask.
func (m TierMask) Contains(tiers ...Tier) bool {
	for _, t := range tiers {
		if (m & t.Mask()) == 0 {
			return false
		}
	}
	return true
}

// Foreach calls the given function for each tier present in the TierMask,
// fastest tier first, until the function returns false, or ForeachDone.
func (m TierMask) Foreach(fn func(Tier) bool) {
	for _, t := range m.Slice() {
		if !fn(t) {
			return
		}
	}
}

// String returns a string representation of the TierMask.
func (m TierMask) String() string {
	str := strings.Builder{}
	sep := ""
	for _, t := range m.Slice() {
		str.WriteString(sep)
		str.WriteString(t.String())
		sep = ","
	}
	return str.String()
}

// MarshalJSON is the json.Marshaller for TierMask.
func (m TierMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON is the json.Unmarshaller for TierMask.
func (m *TierMask) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	if str == "" {
		*m = 0
		return nil
	}

	parsed, err := ParseTierMask(str)
	if err != nil {
		return err
	}

	*m = parsed
	return nil
}

const (
	// ForeachDone as a return value terminates iteration by a Foreach* function.
	ForeachDone = false
	// ForeachMore as a return value continues iteration by a Foreach* function.
	ForeachMore = !ForeachDone
)
