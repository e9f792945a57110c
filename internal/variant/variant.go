// Package variant assigns users to experiment variants deterministically.
package variant

import (
	"maps"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Default is returned for experiments that are not configured.
const Default = "default"

// BatchSummaryFormat is the experiment tagging batch summary payloads.
const BatchSummaryFormat = "batch_summary_format"

// Assigner holds experiment name -> ordered variant labels. It is populated
// once at startup and read-only afterwards, so it needs no locking.
type Assigner struct {
	experiments map[string][]string
}

// New copies experiments. Experiments with no variants are ignored.
func New(experiments map[string][]string) *Assigner {
	a := &Assigner{experiments: make(map[string][]string, len(experiments))}
	for name, variants := range experiments {
		if len(variants) == 0 {
			continue
		}
		a.experiments[name] = slices.Clone(variants)
	}
	return a
}

// Assign returns the variant of experiment for userID: the xxhash of userID
// modulo the number of variants. The result depends only on the inputs and
// the configured variant order.
func (a *Assigner) Assign(experiment, userID string) string {
	variants, ok := a.experiments[experiment]
	if !ok {
		return Default
	}
	return variants[xxhash.Sum64String(userID)%uint64(len(variants))]
}

// Experiments lists configured experiment names in sorted order.
func (a *Assigner) Experiments() []string {
	return slices.Sorted(maps.Keys(a.experiments))
}
