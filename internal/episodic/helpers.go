package episodic

import (
	"sort"

	"github.com/nemosyne/nemosyne/pkg/types"
)

func sortScoredEpisodicDesc(s []types.ScoredEpisodic) {
	sort.Slice(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
