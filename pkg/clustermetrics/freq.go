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

package clustermetrics

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/cloudtik/cloudtik-go/pkg/config"
)

// freqOfDicts frequency-counts the static bundles reported per node IP for
// Summary's node_types field. Tie-breaking between equal bundles is
// undefined, matching spec §4.3's documented lack of ordering guarantee.
func freqOfDicts(bundles []config.ResourceBundle) []config.FreqEntry {
	type keyed struct {
		key    string
		bundle config.ResourceBundle
	}
	withKeys := lo.Map(bundles, func(b config.ResourceBundle, _ int) keyed {
		keys := lo.Keys(b)
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+strconv.FormatFloat(b[k], 'g', -1, 64))
		}
		return keyed{key: strings.Join(parts, ","), bundle: b}
	})

	counts := make(map[string]int, len(withKeys))
	samples := make(map[string]config.ResourceBundle, len(withKeys))
	order := make([]string, 0, len(withKeys))
	for _, kv := range withKeys {
		if _, ok := counts[kv.key]; !ok {
			order = append(order, kv.key)
			samples[kv.key] = kv.bundle
		}
		counts[kv.key]++
	}
	out := make([]config.FreqEntry, 0, len(order))
	for _, k := range order {
		out = append(out, config.FreqEntry{Bundle: samples[k], Count: counts[k]})
	}
	return out
}
