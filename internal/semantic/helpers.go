package semantic

import (
	"sort"

	"github.com/nemosyne/nemosyne/pkg/types"
)

func sortScoredSemanticDesc(s []types.ScoredSemantic) {
	sort.Slice(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
