// Package compute holds the distance functions workers apply to string pairs.
package compute

import (
	"context"

	"github.com/agnivade/levenshtein"
)

// Func computes the distance between two strings.
type Func func(ctx context.Context, a, b string) (int, error)

// Levenshtein is the edit distance over runes: insertions, deletions and
// substitutions each cost one.
func Levenshtein(ctx context.Context, a, b string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return levenshtein.ComputeDistance(a, b), nil
}
