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
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/scott4165/vram-manager/pkg/vram"
)

func TestParseTier(t *testing.T) {
	for str, want := range map[string]Tier{
		"unbound": TierUnbound,
		"VRAM":    TierVRAM,
		"vram":    TierVRAM,
		"system":  TierSystem,
		"System":  TierSystem,
	} {
		got, err := ParseTier(str)
		require.Nil(t, err, "unexpected ParseTier(%q) error", str)
		require.Equal(t, want, got, "ParseTier(%q)", str)
	}

	_, err := ParseTier("GDDR")
	require.ErrorIs(t, err, ErrInvalidArgument, "unknown tier")
	require.Panics(t, func() { MustParseTier("GDDR") }, "MustParseTier of unknown tier")
}

func TestTierMask(t *testing.T) {
	require.Equal(t, TierMask(0), TierUnbound.Mask(), "unbound mask")
	require.Equal(t, TierMaskVRAM, TierVRAM.Mask(), "VRAM mask")
	require.Equal(t, TierMaskSystem, TierSystem.Mask(), "system mask")
	require.Equal(t, TierMaskAll, NewTierMask(TierSystem, TierVRAM), "combined mask")

	require.Equal(t, []Tier{TierVRAM, TierSystem}, TierMaskAll.Slice(),
		"fastest tier first")
	require.Equal(t, []Tier{TierSystem}, TierMaskSystem.Slice(), "system only")

	m := TierMaskSystem.Set(TierVRAM)
	require.True(t, m.Contains(TierVRAM, TierSystem), "mask after Set()")
	m = m.Clear(TierSystem)
	require.Equal(t, TierMaskVRAM, m, "mask after Clear()")
	require.False(t, m.Contains(TierSystem), "cleared tier")

	require.Equal(t, "VRAM,system", TierMaskAll.String(), "mask string")

	parsed, err := ParseTierMask("system, vram")
	require.Nil(t, err, "unexpected ParseTierMask() error")
	require.Equal(t, TierMaskAll, parsed, "parsed mask")

	_, err = ParseTierMask("unbound")
	require.ErrorIs(t, err, ErrInvalidArgument, "unbound in a mask")
}

func TestTierMaskForeach(t *testing.T) {
	var visited []Tier
	TierMaskAll.Foreach(func(tier Tier) bool {
		visited = append(visited, tier)
		return ForeachMore
	})
	require.Equal(t, []Tier{TierVRAM, TierSystem}, visited, "full iteration")

	visited = nil
	TierMaskAll.Foreach(func(tier Tier) bool {
		visited = append(visited, tier)
		return ForeachDone
	})
	require.Equal(t, []Tier{TierVRAM}, visited, "terminated iteration")
}

func TestTierJSON(t *testing.T) {
	data, err := TierVRAM.MarshalJSON()
	require.Nil(t, err, "unexpected MarshalJSON() error")
	require.Equal(t, `"VRAM"`, string(data), "marshaled tier")

	var tier Tier
	require.Nil(t, tier.UnmarshalJSON([]byte(`"system"`)), "unexpected UnmarshalJSON() error")
	require.Equal(t, TierSystem, tier, "unmarshaled tier")

	var mask TierMask
	require.Nil(t, mask.UnmarshalJSON([]byte(`"VRAM,system"`)), "unexpected UnmarshalJSON() error")
	require.Equal(t, TierMaskAll, mask, "unmarshaled mask")
	require.Nil(t, mask.UnmarshalJSON([]byte(`""`)), "unexpected UnmarshalJSON() error")
	require.Equal(t, TierMask(0), mask, "unmarshaled empty mask")
}
