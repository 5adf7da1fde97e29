package retrieval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/retrieval"
)

func TestFuse_ItemInBothLegsRanksAboveSingleLeg(t *testing.T) {
	bm25 := []retrieval.Ranked{{Key: "a", Rank: 1}, {Key: "b", Rank: 2}}
	vector := []retrieval.Ranked{{Key: "c", Rank: 1}, {Key: "a", Rank: 2}}

	fused := retrieval.Fuse(bm25, vector)
	require.NotEmpty(t, fused)
	assert.Equal(t, "a", fused[0], "present in both legs must rank first")
}

func TestFuse_SingleLegKeepsRankOrder(t *testing.T) {
	bm25 := []retrieval.Ranked{{Key: "a", Rank: 1}, {Key: "b", Rank: 2}}

	fused := retrieval.Fuse(bm25)
	require.Len(t, fused, 2)
	assert.Equal(t, []string{"a", "b"}, fused)
}

func TestScore_SumsContributionsAcrossLegs(t *testing.T) {
	bm25 := []retrieval.Ranked{{Key: "a", Rank: 1}}
	vector := []retrieval.Ranked{{Key: "a", Rank: 1}}

	score := retrieval.Score("a", bm25, vector)
	assert.InDelta(t, 2.0/61.0, score, 0.0001)
}

func TestScore_AbsentKeyIsZero(t *testing.T) {
	bm25 := []retrieval.Ranked{{Key: "a", Rank: 1}}
	assert.Equal(t, 0.0, retrieval.Score("missing", bm25))
}
