package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// episodicSelectColumns is the canonical SELECT list for episodic_memory.
// Must match the scan order in scanEpisodicRow.
const episodicSelectColumns = `
	id, conversation_id, messages, title, summary, embedding,
	stability, difficulty, surprise,
	created_at, start_at, end_at, last_reviewed_at, consolidated_at
`

// EpisodicStore implements storage.EpisodicStore against episodic_memory.
type EpisodicStore struct {
	db *DB
}

// NewEpisodicStore returns an EpisodicStore backed by db.
func NewEpisodicStore(db *DB) *EpisodicStore {
	return &EpisodicStore{db: db}
}

var _ storage.EpisodicStore = (*EpisodicStore)(nil)

// Create persists a new episode, assigning ID/CreatedAt/LastReviewedAt if zero.
func (s *EpisodicStore) Create(ctx context.Context, e *types.EpisodicMemory) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("postgres: generate episodic id: %w", err)
		}
		e.ID = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.LastReviewedAt.IsZero() {
		e.LastReviewedAt = e.CreatedAt
	}

	messagesJSON, err := json.Marshal(e.Messages)
	if err != nil {
		return fmt.Errorf("postgres: marshal episode messages: %w", err)
	}

	const insertSQL = `
		INSERT INTO episodic_memory (
			id, conversation_id, messages, title, summary, embedding,
			stability, difficulty, surprise,
			created_at, start_at, end_at, last_reviewed_at, consolidated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`
	_, err = s.db.queryer(ctx).ExecContext(ctx, insertSQL,
		e.ID, e.ConversationID, messagesJSON, e.Title, e.Summary, pgvector.NewVector(e.Embedding),
		e.Stability, e.Difficulty, e.Surprise,
		e.CreatedAt, e.StartAt, e.EndAt, e.LastReviewedAt, nullableTime(e.ConsolidatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: create episode %s: %w", e.ID, err)
	}
	return nil
}

// Get retrieves a single episode by ID.
func (s *EpisodicStore) Get(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	row := s.db.queryer(ctx).QueryRowContext(ctx, `SELECT `+episodicSelectColumns+` FROM episodic_memory WHERE id = $1`, id)
	e, err := scanEpisodicRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get episode %s: %w", id, err)
	}
	return e, nil
}

func scanEpisodicRow(row *sql.Row) (*types.EpisodicMemory, error) {
	var (
		e              types.EpisodicMemory
		messagesJSON   []byte
		embedding      pgvector.Vector
		consolidatedAt sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.ConversationID, &messagesJSON, &e.Title, &e.Summary, &embedding,
		&e.Stability, &e.Difficulty, &e.Surprise,
		&e.CreatedAt, &e.StartAt, &e.EndAt, &e.LastReviewedAt, &consolidatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(messagesJSON, &e.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal episode messages: %w", err)
	}
	e.Embedding = embedding.Slice()
	if consolidatedAt.Valid {
		t := consolidatedAt.Time
		e.ConsolidatedAt = &t
	}
	return &e, nil
}

func scanEpisodicRows(rows *sql.Rows) ([]types.EpisodicMemory, error) {
	var out []types.EpisodicMemory
	for rows.Next() {
		var (
			e              types.EpisodicMemory
			messagesJSON   []byte
			embedding      pgvector.Vector
			consolidatedAt sql.NullTime
		)
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &messagesJSON, &e.Title, &e.Summary, &embedding,
			&e.Stability, &e.Difficulty, &e.Surprise,
			&e.CreatedAt, &e.StartAt, &e.EndAt, &e.LastReviewedAt, &consolidatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(messagesJSON, &e.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal episode messages: %w", err)
		}
		e.Embedding = embedding.Slice()
		if consolidatedAt.Valid {
			t := consolidatedAt.Time
			e.ConsolidatedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchBM25 ranks episodes in cid by ts_rank against summary_tsv.
func (s *EpisodicStore) SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	const querySQL = `
		SELECT ` + episodicSelectColumns + `, ts_rank(summary_tsv, plainto_tsquery('english', $2)) AS score
		FROM episodic_memory
		WHERE conversation_id = $1 AND summary_tsv @@ plainto_tsquery('english', $2)
		ORDER BY score DESC
		LIMIT $3
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodic BM25 search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredEpisodicRows(rows)
}

// SearchVector ranks episodes in cid by cosine similarity to queryVec.
// When pgvector is unavailable it scans all rows and scores in-process.
func (s *EpisodicStore) SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	if !s.db.pgvectorAvailable {
		return s.bruteForceVectorSearch(ctx, cid, queryVec, limit)
	}

	const querySQL = `
		SELECT ` + episodicSelectColumns + `, 1 - (embedding <=> $2::vector) AS score
		FROM episodic_memory
		WHERE conversation_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2::vector
		LIMIT $3
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid, pgvector.NewVector(queryVec), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodic vector search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredEpisodicRows(rows)
}

func (s *EpisodicStore) bruteForceVectorSearch(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	rows, err := s.db.queryer(ctx).QueryContext(ctx, `SELECT `+episodicSelectColumns+` FROM episodic_memory WHERE conversation_id = $1`, cid)
	if err != nil {
		return nil, fmt.Errorf("postgres: episodic brute-force scan for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()

	episodes, err := scanEpisodicRows(rows)
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredEpisodic, 0, len(episodes))
	for _, e := range episodes {
		if len(e.Embedding) == 0 {
			continue
		}
		scored = append(scored, types.ScoredEpisodic{Memory: e, Score: cosineSimilarity(queryVec, e.Embedding)})
	}
	sortScoredEpisodicDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func scanScoredEpisodicRows(rows *sql.Rows) ([]types.ScoredEpisodic, error) {
	var out []types.ScoredEpisodic
	for rows.Next() {
		var (
			e              types.EpisodicMemory
			messagesJSON   []byte
			embedding      pgvector.Vector
			consolidatedAt sql.NullTime
			score          float64
		)
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &messagesJSON, &e.Title, &e.Summary, &embedding,
			&e.Stability, &e.Difficulty, &e.Surprise,
			&e.CreatedAt, &e.StartAt, &e.EndAt, &e.LastReviewedAt, &consolidatedAt, &score,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(messagesJSON, &e.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal episode messages: %w", err)
		}
		e.Embedding = embedding.Slice()
		if consolidatedAt.Valid {
			t := consolidatedAt.Time
			e.ConsolidatedAt = &t
		}
		out = append(out, types.ScoredEpisodic{Memory: e, Score: score})
	}
	return out, rows.Err()
}

// Recent returns the n newest episodes by EndAt, no re-ranking.
func (s *EpisodicStore) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	const querySQL = `
		SELECT ` + episodicSelectColumns + `
		FROM episodic_memory
		WHERE conversation_id = $1
		ORDER BY end_at DESC
		LIMIT $2
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent episodes for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEpisodicRows(rows)
}

// UpdateFSRS applies a new stability/difficulty pair after a review.
func (s *EpisodicStore) UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error {
	const updateSQL = `
		UPDATE episodic_memory SET stability = $2, difficulty = $3, last_reviewed_at = $4
		WHERE id = $1
	`
	res, err := s.db.queryer(ctx).ExecContext(ctx, updateSQL, id, stability, difficulty, lastReviewedAt)
	if err != nil {
		return fmt.Errorf("postgres: update FSRS for %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// MarkConsolidated stamps ConsolidatedAt = at on every ID in ids.
func (s *EpisodicStore) MarkConsolidated(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	const updateSQL = `UPDATE episodic_memory SET consolidated_at = $2 WHERE id = ANY($1)`
	if _, err := s.db.queryer(ctx).ExecContext(ctx, updateSQL, pq.Array(ids), at); err != nil {
		return fmt.Errorf("postgres: mark consolidated: %w", err)
	}
	return nil
}

// Unconsolidated returns all episodes for cid with ConsolidatedAt IS NULL,
// oldest first.
func (s *EpisodicStore) Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error) {
	const querySQL = `
		SELECT ` + episodicSelectColumns + `
		FROM episodic_memory
		WHERE conversation_id = $1 AND consolidated_at IS NULL
		ORDER BY created_at ASC
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid)
	if err != nil {
		return nil, fmt.Errorf("postgres: unconsolidated episodes for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEpisodicRows(rows)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
