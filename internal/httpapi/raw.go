package httpapi

import (
	"time"

	"github.com/nemosyne/nemosyne/internal/retrieval"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// rawEpisodic mirrors EpisodicMemory minus Embedding, plus Score.
type rawEpisodic struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Messages       []types.Message `json:"messages"`
	Title          string          `json:"title"`
	Summary        string          `json:"summary"`
	Stability      float32         `json:"stability"`
	Difficulty     float32         `json:"difficulty"`
	Surprise       float32         `json:"surprise"`
	CreatedAt      time.Time       `json:"created_at"`
	StartAt        time.Time       `json:"start_at"`
	EndAt          time.Time       `json:"end_at"`
	LastReviewedAt time.Time       `json:"last_reviewed_at"`
	ConsolidatedAt *time.Time      `json:"consolidated_at,omitempty"`
	Score          float64         `json:"score"`
}

// rawSemantic mirrors SemanticMemory minus Embedding, plus Score.
type rawSemantic struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversation_id"`
	Category          types.Category `json:"category"`
	Fact              string         `json:"fact"`
	Keywords          []string       `json:"keywords"`
	SearchText        string         `json:"search_text"`
	SourceEpisodicIDs []string       `json:"source_episodic_ids"`
	ValidAt           time.Time      `json:"valid_at"`
	InvalidAt         *time.Time     `json:"invalid_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	Score             float64        `json:"score"`
}

type rawResult struct {
	Semantic []rawSemantic `json:"semantic"`
	Episodic []rawEpisodic `json:"episodic"`
}

func toRawEpisodic(sc types.ScoredEpisodic) rawEpisodic {
	e := sc.Memory
	return rawEpisodic{
		ID: e.ID, ConversationID: e.ConversationID, Messages: e.Messages,
		Title: e.Title, Summary: e.Summary, Stability: e.Stability, Difficulty: e.Difficulty,
		Surprise: e.Surprise, CreatedAt: e.CreatedAt, StartAt: e.StartAt, EndAt: e.EndAt,
		LastReviewedAt: e.LastReviewedAt, ConsolidatedAt: e.ConsolidatedAt, Score: sc.Score,
	}
}

func toRawSemantic(sc types.ScoredSemantic) rawSemantic {
	f := sc.Memory
	return rawSemantic{
		ID: f.ID, ConversationID: f.ConversationID, Category: f.Category, Fact: f.Fact,
		Keywords: f.Keywords, SearchText: f.SearchText, SourceEpisodicIDs: f.SourceEpisodicIDs,
		ValidAt: f.ValidAt, InvalidAt: f.InvalidAt, CreatedAt: f.CreatedAt, Score: sc.Score,
	}
}

func rawResultFromRetrieval(r retrieval.Result) rawResult {
	semantic := make([]rawSemantic, len(r.Semantic))
	for i, sc := range r.Semantic {
		semantic[i] = toRawSemantic(sc)
	}
	episodic := make([]rawEpisodic, len(r.Episodic))
	for i, sc := range r.Episodic {
		episodic[i] = toRawEpisodic(sc)
	}
	return rawResult{Semantic: semantic, Episodic: episodic}
}

func rawEpisodicFromRecent(episodes []types.EpisodicMemory) []rawEpisodic {
	out := make([]rawEpisodic, len(episodes))
	for i, e := range episodes {
		out[i] = toRawEpisodic(types.ScoredEpisodic{Memory: e, Score: 0})
	}
	return out
}
