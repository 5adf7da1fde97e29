// Package fsrs adapts github.com/open-spaced-repetition/go-fsrs/v3 to the
// stability/difficulty pair stored directly on an EpisodicMemory, rather
// than the library's own Card bookkeeping (Due, Reps, Lapses, State). The
// memory pipeline re-derives elapsed days from LastReviewedAt at review
// time instead of keeping a live Card around.
package fsrs

import (
	"time"

	gofsrs "github.com/open-spaced-repetition/go-fsrs/v3"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// surpriseBoostFactor is the maximum stability multiplier contributed by
// the surprise signal: a surprise of 1.0 yields stability*(1+0.5).
const surpriseBoostFactor = 0.5

// Scheduler wraps a go-fsrs instance configured with the service's desired
// retention target.
type Scheduler struct {
	fsrs   *gofsrs.FSRS
	params gofsrs.Parameters
}

// New returns a Scheduler targeting desiredRetention. A value outside (0,1]
// is ignored and the library's default retention is kept.
func New(desiredRetention float32) *Scheduler {
	params := gofsrs.DefaultParam()
	if desiredRetention > 0 && desiredRetention <= 1 {
		params.RequestRetention = float64(desiredRetention)
	}
	return &Scheduler{fsrs: gofsrs.NewFSRS(params), params: params}
}

// Init computes the initial (Stability, Difficulty) pair for a freshly
// created episode, as if reviewed "Good" on day zero, then applies the
// surprise-based stability boost. surprise is clamped to [0,1].
func (s *Scheduler) Init(surprise float32) (stability, difficulty float32) {
	if surprise < 0 {
		surprise = 0
	} else if surprise > 1 {
		surprise = 1
	}

	card := gofsrs.NewCard()
	schedule := s.fsrs.Repeat(card, time.Now())
	initial := schedule[gofsrs.Good].Card

	boosted := float32(initial.Stability) * (1 + surprise*surpriseBoostFactor)
	return boosted, float32(initial.Difficulty)
}

// Next applies a review rating to an episode currently at (stability,
// difficulty), last reviewed at lastReviewedAt, and returns its updated
// state.
func (s *Scheduler) Next(stability, difficulty float32, lastReviewedAt time.Time, rating types.Rating) (newStability, newDifficulty float32) {
	card := gofsrs.NewCard()
	card.Stability = float64(stability)
	card.Difficulty = float64(difficulty)
	card.LastReview = lastReviewedAt
	card.State = gofsrs.Review
	elapsed := time.Since(lastReviewedAt)
	card.ElapsedDays = uint64(elapsed.Hours() / 24)

	schedule := s.fsrs.Repeat(card, time.Now())
	result := schedule[ratingToFSRS(rating)].Card
	return float32(result.Stability), float32(result.Difficulty)
}

// Retrievability returns the FSRS forgetting-curve estimate of recall
// probability for a memory at the given stability, elapsed days since its
// last review.
func (s *Scheduler) Retrievability(stability float32, elapsedDays float64) float64 {
	if stability <= 0 {
		return 0
	}
	card := gofsrs.NewCard()
	card.State = gofsrs.Review
	card.Stability = float64(stability)
	now := time.Now()
	card.LastReview = now.Add(-time.Duration(elapsedDays * float64(24*time.Hour)))
	return s.fsrs.GetRetrievability(card, now)
}

func ratingToFSRS(r types.Rating) gofsrs.Rating {
	switch r {
	case types.RatingAgain:
		return gofsrs.Again
	case types.RatingHard:
		return gofsrs.Hard
	case types.RatingGood:
		return gofsrs.Good
	case types.RatingEasy:
		return gofsrs.Easy
	default:
		return gofsrs.Good
	}
}
