// Package tags picks the best-scoring classes from a score vector and turns
// them into display strings.
package tags

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Brownie44l1/image-tagger/internal/labels"
)

const DefaultK = 3

type Resolver interface {
	Resolve(index int) (labels.Entry, error)
}

// TopIndices returns the indices of the k largest scores, highest first.
// Equal scores keep ascending index order and NaN ranks below every number.
// k is clamped to len(scores); k <= 0 yields nil.
func TopIndices(scores []float32, k int) []int {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return greater(scores[idx[a]], scores[idx[b]])
	})
	return idx[:k]
}

func greater(a, b float32) bool {
	an, bn := math.IsNaN(float64(a)), math.IsNaN(float64(b))
	switch {
	case an:
		return false
	case bn:
		return true
	}
	return a > b
}

// TopTags resolves the k best indices to display names. A failed lookup is
// returned as is: it means the catalog and the model disagree.
func TopTags(scores []float32, k int, r Resolver) ([]string, error) {
	top := TopIndices(scores, k)
	out := make([]string, 0, len(top))
	for _, i := range top {
		e, err := r.Resolve(i)
		if err != nil {
			return nil, fmt.Errorf("tag for class %d: %w", i, err)
		}
		out = append(out, DisplayName(e.Name))
	}
	return out, nil
}

// DisplayName turns "running_shoe" into "running shoe".
func DisplayName(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
