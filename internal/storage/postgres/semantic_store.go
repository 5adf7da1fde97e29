package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// semanticSelectColumns is the canonical SELECT list for semantic_memory.
// Must match the scan order in scanSemanticRow.
const semanticSelectColumns = `
	id, conversation_id, category, fact, keywords, search_text, embedding,
	source_episodic_ids, valid_at, invalid_at, created_at
`

// SemanticStore implements storage.SemanticStore against semantic_memory.
type SemanticStore struct {
	db *DB
}

// NewSemanticStore returns a SemanticStore backed by db.
func NewSemanticStore(db *DB) *SemanticStore {
	return &SemanticStore{db: db}
}

var _ storage.SemanticStore = (*SemanticStore)(nil)

// Create persists a new fact, assigning ID/ValidAt/CreatedAt if zero.
func (s *SemanticStore) Create(ctx context.Context, f *types.SemanticMemory) error {
	if f.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("postgres: generate semantic id: %w", err)
		}
		f.ID = id.String()
	}
	now := time.Now().UTC()
	if f.ValidAt.IsZero() {
		f.ValidAt = now
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}

	keywordsJSON, err := json.Marshal(f.Keywords)
	if err != nil {
		return fmt.Errorf("postgres: marshal fact keywords: %w", err)
	}
	sourceIDsJSON, err := json.Marshal(f.SourceEpisodicIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal fact source ids: %w", err)
	}

	const insertSQL = `
		INSERT INTO semantic_memory (
			id, conversation_id, category, fact, keywords, search_text, embedding,
			source_episodic_ids, valid_at, invalid_at, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err = s.db.queryer(ctx).ExecContext(ctx, insertSQL,
		f.ID, f.ConversationID, string(f.Category), f.Fact, keywordsJSON, f.SearchText, pgvector.NewVector(f.Embedding),
		sourceIDsJSON, f.ValidAt, nullableTime(f.InvalidAt), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create fact %s: %w", f.ID, err)
	}
	return nil
}

// Get retrieves a single fact by ID, including invalidated ones.
func (s *SemanticStore) Get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	row := s.db.queryer(ctx).QueryRowContext(ctx, `SELECT `+semanticSelectColumns+` FROM semantic_memory WHERE id = $1`, id)
	f, err := scanSemanticRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get fact %s: %w", id, err)
	}
	return f, nil
}

func scanSemanticRow(row *sql.Row) (*types.SemanticMemory, error) {
	var (
		f             types.SemanticMemory
		category      string
		keywordsJSON  []byte
		embedding     pgvector.Vector
		sourceIDsJSON []byte
		invalidAt     sql.NullTime
	)
	err := row.Scan(
		&f.ID, &f.ConversationID, &category, &f.Fact, &keywordsJSON, &f.SearchText, &embedding,
		&sourceIDsJSON, &f.ValidAt, &invalidAt, &f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := hydrateSemantic(&f, category, keywordsJSON, embedding, sourceIDsJSON, invalidAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func hydrateSemantic(f *types.SemanticMemory, category string, keywordsJSON []byte, embedding pgvector.Vector, sourceIDsJSON []byte, invalidAt sql.NullTime) error {
	f.Category = types.Category(category)
	if err := json.Unmarshal(keywordsJSON, &f.Keywords); err != nil {
		return fmt.Errorf("unmarshal fact keywords: %w", err)
	}
	if err := json.Unmarshal(sourceIDsJSON, &f.SourceEpisodicIDs); err != nil {
		return fmt.Errorf("unmarshal fact source ids: %w", err)
	}
	f.Embedding = embedding.Slice()
	if invalidAt.Valid {
		t := invalidAt.Time
		f.InvalidAt = &t
	}
	return nil
}

// SearchBM25 ranks active facts in cid by ts_rank against search_text_tsv,
// optionally scoped to category.
func (s *SemanticStore) SearchBM25(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	querySQL := `
		SELECT ` + semanticSelectColumns + `, ts_rank(search_text_tsv, plainto_tsquery('english', $2)) AS score
		FROM semantic_memory
		WHERE conversation_id = $1 AND invalid_at IS NULL
		  AND search_text_tsv @@ plainto_tsquery('english', $2)
	`
	args := []interface{}{cid, query}
	if category != nil {
		querySQL += ` AND category = $3`
		args = append(args, string(*category))
	}
	querySQL += fmt.Sprintf(` ORDER BY score DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic BM25 search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredSemanticRows(rows)
}

// SearchVector ranks active facts in cid by cosine similarity, optionally
// scoped to category. Falls back to a brute-force scan without pgvector.
func (s *SemanticStore) SearchVector(ctx context.Context, cid string, queryVec []float32, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	if !s.db.pgvectorAvailable {
		return s.bruteForceVectorSearch(ctx, cid, queryVec, category, 0, limit)
	}

	querySQL := `
		SELECT ` + semanticSelectColumns + `, 1 - (embedding <=> $2::vector) AS score
		FROM semantic_memory
		WHERE conversation_id = $1 AND invalid_at IS NULL AND embedding IS NOT NULL
	`
	args := []interface{}{cid, pgvector.NewVector(queryVec)}
	if category != nil {
		querySQL += ` AND category = $3`
		args = append(args, string(*category))
	}
	querySQL += fmt.Sprintf(` ORDER BY embedding <=> $2::vector LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic vector search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredSemanticRows(rows)
}

// NearestActive returns up to limit active facts in cid nearest to queryVec,
// optionally excluding anything below similarityFloor. Used by
// consolidation's predict step and its dedupe probe.
func (s *SemanticStore) NearestActive(ctx context.Context, cid string, queryVec []float32, similarityFloor float64, limit int) ([]types.ScoredSemantic, error) {
	if !s.db.pgvectorAvailable {
		return s.bruteForceVectorSearch(ctx, cid, queryVec, nil, similarityFloor, limit)
	}

	const querySQL = `
		SELECT ` + semanticSelectColumns + `, 1 - (embedding <=> $2::vector) AS score
		FROM semantic_memory
		WHERE conversation_id = $1 AND invalid_at IS NULL AND embedding IS NOT NULL
		  AND 1 - (embedding <=> $2::vector) >= $3
		ORDER BY embedding <=> $2::vector
		LIMIT $4
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid, pgvector.NewVector(queryVec), similarityFloor, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: nearest active facts for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredSemanticRows(rows)
}

func (s *SemanticStore) bruteForceVectorSearch(ctx context.Context, cid string, queryVec []float32, category *types.Category, similarityFloor float64, limit int) ([]types.ScoredSemantic, error) {
	querySQL := `SELECT ` + semanticSelectColumns + ` FROM semantic_memory WHERE conversation_id = $1 AND invalid_at IS NULL`
	args := []interface{}{cid}
	if category != nil {
		querySQL += ` AND category = $2`
		args = append(args, string(*category))
	}

	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: semantic brute-force scan for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()

	facts, err := scanSemanticRows(rows)
	if err != nil {
		return nil, err
	}

	scored := make([]types.ScoredSemantic, 0, len(facts))
	for _, f := range facts {
		if len(f.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(queryVec, f.Embedding)
		if sim < similarityFloor {
			continue
		}
		scored = append(scored, types.ScoredSemantic{Memory: f, Score: sim})
	}
	sortScoredSemanticDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func scanSemanticRows(rows *sql.Rows) ([]types.SemanticMemory, error) {
	var out []types.SemanticMemory
	for rows.Next() {
		var (
			f             types.SemanticMemory
			category      string
			keywordsJSON  []byte
			embedding     pgvector.Vector
			sourceIDsJSON []byte
			invalidAt     sql.NullTime
		)
		if err := rows.Scan(
			&f.ID, &f.ConversationID, &category, &f.Fact, &keywordsJSON, &f.SearchText, &embedding,
			&sourceIDsJSON, &f.ValidAt, &invalidAt, &f.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := hydrateSemantic(&f, category, keywordsJSON, embedding, sourceIDsJSON, invalidAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanScoredSemanticRows(rows *sql.Rows) ([]types.ScoredSemantic, error) {
	var out []types.ScoredSemantic
	for rows.Next() {
		var (
			f             types.SemanticMemory
			category      string
			keywordsJSON  []byte
			embedding     pgvector.Vector
			sourceIDsJSON []byte
			invalidAt     sql.NullTime
			score         float64
		)
		if err := rows.Scan(
			&f.ID, &f.ConversationID, &category, &f.Fact, &keywordsJSON, &f.SearchText, &embedding,
			&sourceIDsJSON, &f.ValidAt, &invalidAt, &f.CreatedAt, &score,
		); err != nil {
			return nil, err
		}
		if err := hydrateSemantic(&f, category, keywordsJSON, embedding, sourceIDsJSON, invalidAt); err != nil {
			return nil, err
		}
		out = append(out, types.ScoredSemantic{Memory: f, Score: score})
	}
	return out, rows.Err()
}

// AppendSourceEpisodicIDs merges newIDs into a fact's SourceEpisodicIDs,
// skipping any already present. When ctx already carries a WithTx
// transaction (consolidation's apply loop), the read-then-update runs
// inside it instead of opening a nested one, so the whole loop commits or
// rolls back together.
func (s *SemanticStore) AppendSourceEpisodicIDs(ctx context.Context, factID string, newIDs []string) error {
	tx, ambient := txFromContext(ctx)
	if !ambient {
		var err error
		tx, err = s.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("postgres: begin append source ids for %s: %w", factID, err)
		}
		defer func() { _ = tx.Rollback() }()
	}

	var existingJSON []byte
	if err := tx.QueryRowContext(ctx, `SELECT source_episodic_ids FROM semantic_memory WHERE id = $1 FOR UPDATE`, factID).Scan(&existingJSON); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("postgres: read source ids for %s: %w", factID, err)
	}

	var existing []string
	if len(existingJSON) > 0 {
		if err := json.Unmarshal(existingJSON, &existing); err != nil {
			return fmt.Errorf("postgres: unmarshal source ids for %s: %w", factID, err)
		}
	}

	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range newIDs {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}

	mergedJSON, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("postgres: marshal merged source ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE semantic_memory SET source_episodic_ids = $2 WHERE id = $1`, factID, mergedJSON); err != nil {
		return fmt.Errorf("postgres: update source ids for %s: %w", factID, err)
	}

	if ambient {
		return nil
	}
	return tx.Commit()
}

// Invalidate sets InvalidAt = at on a fact, the sole soft-delete operation.
func (s *SemanticStore) Invalidate(ctx context.Context, factID string, at time.Time) error {
	res, err := s.db.queryer(ctx).ExecContext(ctx, `UPDATE semantic_memory SET invalid_at = $2 WHERE id = $1`, factID, at)
	if err != nil {
		return fmt.Errorf("postgres: invalidate fact %s: %w", factID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
