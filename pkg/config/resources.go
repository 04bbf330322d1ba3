/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ResourceBundle is an unordered mapping resource-name -> nonnegative
// number, used uniformly for node capacities, live availabilities,
// demands and requests (spec §3).
type ResourceBundle map[string]float64

// Clone returns an independent copy.
func (b ResourceBundle) Clone() ResourceBundle {
	out := make(ResourceBundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Add returns a new bundle that is the element-wise sum of b and other.
func (b ResourceBundle) Add(other ResourceBundle) ResourceBundle {
	out := b.Clone()
	for k, v := range other {
		out[k] += v
	}
	return out
}

// Sub returns a new bundle that is the element-wise difference b - other,
// clamped at zero per resource (capacity can never go negative).
func (b ResourceBundle) Sub(other ResourceBundle) ResourceBundle {
	out := b.Clone()
	for k, v := range other {
		out[k] -= v
		if out[k] < 0 {
			out[k] = 0
		}
	}
	return out
}

// Fits reports whether every resource demanded by other is available in b.
func (b ResourceBundle) Fits(other ResourceBundle) bool {
	for k, v := range other {
		if b[k] < v {
			return false
		}
	}
	return true
}

// Score is the "descending score" the scheduler sorts workload bundles by:
// the sum of normalized resource amounts, normalized against a reference
// scale so that CPU and memory (far larger in raw units) contribute
// comparably. Unknown resources normalize against 1.
func (b ResourceBundle) Score(scale ResourceBundle) float64 {
	var total float64
	for k, v := range b {
		s := scale[k]
		if s <= 0 {
			s = 1
		}
		total += v / s
	}
	return total
}

// IsEmpty reports whether every value in the bundle is zero.
func (b ResourceBundle) IsEmpty() bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Canonical returns a stable string encoding of the bundle usable as a map
// key, grounded on the freq_of_dicts helper the source uses to frequency-
// count resource bundles for summary() (spec §4.3).
func (b ResourceBundle) Canonical() string {
	keys := lo.Keys(b)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.FormatFloat(b[k], 'g', -1, 64))
	}
	return strings.Join(parts, ",")
}

func (b ResourceBundle) String() string {
	if len(b) == 0 {
		return "{}"
	}
	keys := lo.Keys(b)
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%g", k, b[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// FreqEntry is one row of a frequency-of-dicts result: a distinct bundle
// and how many times it occurred in the input list.
type FreqEntry struct {
	Bundle ResourceBundle
	Count  int
}

// FreqOfDicts counts occurrences of each distinct bundle in bundles. Tie
// breaking between equal bundles that hash to different canonical forms
// (e.g. due to floating point formatting) is undefined, matching the
// source's documented lack of ordering guarantee (spec §4.3).
func FreqOfDicts(bundles []ResourceBundle) []FreqEntry {
	counts := make(map[string]int, len(bundles))
	samples := make(map[string]ResourceBundle, len(bundles))
	order := make([]string, 0, len(bundles))
	for _, b := range bundles {
		key := b.Canonical()
		if _, ok := counts[key]; !ok {
			order = append(order, key)
			samples[key] = b
		}
		counts[key]++
	}
	out := make([]FreqEntry, 0, len(order))
	for _, key := range order {
		out = append(out, FreqEntry{Bundle: samples[key], Count: counts[key]})
	}
	return out
}
