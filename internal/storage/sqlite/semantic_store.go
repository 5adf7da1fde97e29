package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

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
			return fmt.Errorf("sqlite: generate semantic id: %w", err)
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
		return fmt.Errorf("sqlite: marshal fact keywords: %w", err)
	}
	sourceIDsJSON, err := json.Marshal(f.SourceEpisodicIDs)
	if err != nil {
		return fmt.Errorf("sqlite: marshal fact source ids: %w", err)
	}
	embJSON, err := encodeEmbedding(f.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: encode fact embedding: %w", err)
	}

	const insertSQL = `
		INSERT INTO semantic_memory (
			id, conversation_id, category, fact, keywords, search_text, embedding,
			source_episodic_ids, valid_at, invalid_at, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`
	_, err = s.db.queryer(ctx).ExecContext(ctx, insertSQL,
		f.ID, f.ConversationID, string(f.Category), f.Fact, string(keywordsJSON), f.SearchText, embJSON,
		string(sourceIDsJSON), formatTime(f.ValidAt), nullableTimeString(f.InvalidAt), formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create fact %s: %w", f.ID, err)
	}
	return nil
}

// Get retrieves a single fact by ID, including invalidated ones.
func (s *SemanticStore) Get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	row := s.db.queryer(ctx).QueryRowContext(ctx, `SELECT `+semanticSelectColumns+` FROM semantic_memory WHERE id = ?`, id)
	f, err := scanSemanticRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get fact %s: %w", id, err)
	}
	return f, nil
}

type semanticScanTarget struct {
	category      string
	keywordsJSON  string
	embeddingJSON sql.NullString
	sourceIDsJSON string
	validAt       string
	invalidAt     sql.NullString
	createdAt     string
}

func hydrateSemantic(f *types.SemanticMemory, t *semanticScanTarget) error {
	f.Category = types.Category(t.category)
	if err := json.Unmarshal([]byte(t.keywordsJSON), &f.Keywords); err != nil {
		return fmt.Errorf("unmarshal fact keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(t.sourceIDsJSON), &f.SourceEpisodicIDs); err != nil {
		return fmt.Errorf("unmarshal fact source ids: %w", err)
	}
	var embSrc *string
	if t.embeddingJSON.Valid {
		embSrc = &t.embeddingJSON.String
	}
	emb, err := decodeEmbedding(embSrc)
	if err != nil {
		return fmt.Errorf("decode fact embedding: %w", err)
	}
	f.Embedding = emb

	var parseErr error
	if f.ValidAt, parseErr = parseTime(t.validAt); parseErr != nil {
		return fmt.Errorf("parse valid_at: %w", parseErr)
	}
	if f.CreatedAt, parseErr = parseTime(t.createdAt); parseErr != nil {
		return fmt.Errorf("parse created_at: %w", parseErr)
	}
	if t.invalidAt.Valid {
		it, err := parseTime(t.invalidAt.String)
		if err != nil {
			return fmt.Errorf("parse invalid_at: %w", err)
		}
		f.InvalidAt = &it
	}
	return nil
}

func scanSemanticRow(row *sql.Row) (*types.SemanticMemory, error) {
	var f types.SemanticMemory
	var t semanticScanTarget
	err := row.Scan(
		&f.ID, &f.ConversationID, &t.category, &f.Fact, &t.keywordsJSON, &f.SearchText, &t.embeddingJSON,
		&t.sourceIDsJSON, &t.validAt, &t.invalidAt, &t.createdAt,
	)
	if err != nil {
		return nil, err
	}
	if err := hydrateSemantic(&f, &t); err != nil {
		return nil, err
	}
	return &f, nil
}

// SearchBM25 ranks active facts in cid by FTS5's built-in bm25() rank
// against semantic_memory_fts, optionally scoped to category.
func (s *SemanticStore) SearchBM25(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	querySQL := `
		SELECT ` + prefixColumns("m", semanticSelectColumns) + `, -bm25(semantic_memory_fts) AS score
		FROM semantic_memory_fts
		JOIN semantic_memory m ON m.rowid = semantic_memory_fts.rowid
		WHERE semantic_memory_fts MATCH ? AND m.conversation_id = ? AND m.invalid_at IS NULL
	`
	args := []interface{}{sanitizeFTSQuery(query), cid}
	if category != nil {
		querySQL += ` AND m.category = ?`
		args = append(args, string(*category))
	}
	querySQL += ` ORDER BY score DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: semantic BM25 search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredSemanticRows(rows)
}

// SearchVector ranks active facts in cid by cosine similarity, optionally
// scoped to category. There is no SQLite vector index, so this always
// brute-force scans.
func (s *SemanticStore) SearchVector(ctx context.Context, cid string, queryVec []float32, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	return s.bruteForceVectorSearch(ctx, cid, queryVec, category, 0, limit)
}

// NearestActive returns up to limit active facts in cid nearest to queryVec,
// optionally excluding anything below similarityFloor.
func (s *SemanticStore) NearestActive(ctx context.Context, cid string, queryVec []float32, similarityFloor float64, limit int) ([]types.ScoredSemantic, error) {
	return s.bruteForceVectorSearch(ctx, cid, queryVec, nil, similarityFloor, limit)
}

func (s *SemanticStore) bruteForceVectorSearch(ctx context.Context, cid string, queryVec []float32, category *types.Category, similarityFloor float64, limit int) ([]types.ScoredSemantic, error) {
	querySQL := `SELECT ` + semanticSelectColumns + ` FROM semantic_memory WHERE conversation_id = ? AND invalid_at IS NULL`
	args := []interface{}{cid}
	if category != nil {
		querySQL += ` AND category = ?`
		args = append(args, string(*category))
	}

	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: semantic brute-force scan for %s: %w", cid, err)
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
		var f types.SemanticMemory
		var t semanticScanTarget
		if err := rows.Scan(
			&f.ID, &f.ConversationID, &t.category, &f.Fact, &t.keywordsJSON, &f.SearchText, &t.embeddingJSON,
			&t.sourceIDsJSON, &t.validAt, &t.invalidAt, &t.createdAt,
		); err != nil {
			return nil, err
		}
		if err := hydrateSemantic(&f, &t); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanScoredSemanticRows(rows *sql.Rows) ([]types.ScoredSemantic, error) {
	var out []types.ScoredSemantic
	for rows.Next() {
		var f types.SemanticMemory
		var t semanticScanTarget
		var score float64
		if err := rows.Scan(
			&f.ID, &f.ConversationID, &t.category, &f.Fact, &t.keywordsJSON, &f.SearchText, &t.embeddingJSON,
			&t.sourceIDsJSON, &t.validAt, &t.invalidAt, &t.createdAt, &score,
		); err != nil {
			return nil, err
		}
		if err := hydrateSemantic(&f, &t); err != nil {
			return nil, err
		}
		out = append(out, types.ScoredSemantic{Memory: f, Score: score})
	}
	return out, rows.Err()
}

// AppendSourceEpisodicIDs merges newIDs into a fact's SourceEpisodicIDs,
// skipping any already present. SQLite serializes writers through the
// single open connection, so the transaction alone is sufficient mutual
// exclusion without a row-level lock clause. When ctx already carries a
// WithTx transaction (consolidation's apply loop), the read-then-update
// runs inside it instead of opening a nested one.
func (s *SemanticStore) AppendSourceEpisodicIDs(ctx context.Context, factID string, newIDs []string) error {
	tx, ambient := txFromContext(ctx)
	if !ambient {
		var err error
		tx, err = s.db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin append source ids for %s: %w", factID, err)
		}
		defer func() { _ = tx.Rollback() }()
	}

	var existingJSON string
	if err := tx.QueryRowContext(ctx, `SELECT source_episodic_ids FROM semantic_memory WHERE id = ?`, factID).Scan(&existingJSON); err != nil {
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		return fmt.Errorf("sqlite: read source ids for %s: %w", factID, err)
	}

	var existing []string
	if len(existingJSON) > 0 {
		if err := json.Unmarshal([]byte(existingJSON), &existing); err != nil {
			return fmt.Errorf("sqlite: unmarshal source ids for %s: %w", factID, err)
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
		return fmt.Errorf("sqlite: marshal merged source ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE semantic_memory SET source_episodic_ids = ? WHERE id = ?`, string(mergedJSON), factID); err != nil {
		return fmt.Errorf("sqlite: update source ids for %s: %w", factID, err)
	}

	if ambient {
		return nil
	}
	return tx.Commit()
}

// Invalidate sets InvalidAt = at on a fact, the sole soft-delete operation.
func (s *SemanticStore) Invalidate(ctx context.Context, factID string, at time.Time) error {
	res, err := s.db.queryer(ctx).ExecContext(ctx, `UPDATE semantic_memory SET invalid_at = ? WHERE id = ?`, formatTime(at), factID)
	if err != nil {
		return fmt.Errorf("sqlite: invalidate fact %s: %w", factID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
