package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

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
			return fmt.Errorf("sqlite: generate episodic id: %w", err)
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
		return fmt.Errorf("sqlite: marshal episode messages: %w", err)
	}
	embJSON, err := encodeEmbedding(e.Embedding)
	if err != nil {
		return fmt.Errorf("sqlite: encode episode embedding: %w", err)
	}

	const insertSQL = `
		INSERT INTO episodic_memory (
			id, conversation_id, messages, title, summary, embedding,
			stability, difficulty, surprise,
			created_at, start_at, end_at, last_reviewed_at, consolidated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`
	_, err = s.db.queryer(ctx).ExecContext(ctx, insertSQL,
		e.ID, e.ConversationID, string(messagesJSON), e.Title, e.Summary, embJSON,
		e.Stability, e.Difficulty, e.Surprise,
		formatTime(e.CreatedAt), formatTime(e.StartAt), formatTime(e.EndAt), formatTime(e.LastReviewedAt),
		nullableTimeString(e.ConsolidatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create episode %s: %w", e.ID, err)
	}
	return nil
}

// Get retrieves a single episode by ID.
func (s *EpisodicStore) Get(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	row := s.db.queryer(ctx).QueryRowContext(ctx, `SELECT `+episodicSelectColumns+` FROM episodic_memory WHERE id = ?`, id)
	e, err := scanEpisodicRow(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get episode %s: %w", id, err)
	}
	return e, nil
}

type episodicScanTarget struct {
	messagesJSON   string
	embeddingJSON  sql.NullString
	createdAt      string
	startAt        string
	endAt          string
	lastReviewedAt string
	consolidatedAt sql.NullString
}

func hydrateEpisodic(e *types.EpisodicMemory, t *episodicScanTarget) error {
	if err := json.Unmarshal([]byte(t.messagesJSON), &e.Messages); err != nil {
		return fmt.Errorf("unmarshal episode messages: %w", err)
	}
	var embSrc *string
	if t.embeddingJSON.Valid {
		embSrc = &t.embeddingJSON.String
	}
	emb, err := decodeEmbedding(embSrc)
	if err != nil {
		return fmt.Errorf("decode episode embedding: %w", err)
	}
	e.Embedding = emb

	var parseErr error
	if e.CreatedAt, parseErr = parseTime(t.createdAt); parseErr != nil {
		return fmt.Errorf("parse created_at: %w", parseErr)
	}
	if e.StartAt, parseErr = parseTime(t.startAt); parseErr != nil {
		return fmt.Errorf("parse start_at: %w", parseErr)
	}
	if e.EndAt, parseErr = parseTime(t.endAt); parseErr != nil {
		return fmt.Errorf("parse end_at: %w", parseErr)
	}
	if e.LastReviewedAt, parseErr = parseTime(t.lastReviewedAt); parseErr != nil {
		return fmt.Errorf("parse last_reviewed_at: %w", parseErr)
	}
	if t.consolidatedAt.Valid {
		ct, err := parseTime(t.consolidatedAt.String)
		if err != nil {
			return fmt.Errorf("parse consolidated_at: %w", err)
		}
		e.ConsolidatedAt = &ct
	}
	return nil
}

func scanEpisodicRow(row *sql.Row) (*types.EpisodicMemory, error) {
	var e types.EpisodicMemory
	var t episodicScanTarget
	err := row.Scan(
		&e.ID, &e.ConversationID, &t.messagesJSON, &e.Title, &e.Summary, &t.embeddingJSON,
		&e.Stability, &e.Difficulty, &e.Surprise,
		&t.createdAt, &t.startAt, &t.endAt, &t.lastReviewedAt, &t.consolidatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := hydrateEpisodic(&e, &t); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEpisodicRows(rows *sql.Rows) ([]types.EpisodicMemory, error) {
	var out []types.EpisodicMemory
	for rows.Next() {
		var e types.EpisodicMemory
		var t episodicScanTarget
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &t.messagesJSON, &e.Title, &e.Summary, &t.embeddingJSON,
			&e.Stability, &e.Difficulty, &e.Surprise,
			&t.createdAt, &t.startAt, &t.endAt, &t.lastReviewedAt, &t.consolidatedAt,
		); err != nil {
			return nil, err
		}
		if err := hydrateEpisodic(&e, &t); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SearchBM25 ranks episodes in cid by FTS5's built-in bm25() rank against
// episodic_memory_fts.
func (s *EpisodicStore) SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	querySQL := `
		SELECT ` + prefixColumns("m", episodicSelectColumns) + `, -bm25(episodic_memory_fts) AS score
		FROM episodic_memory_fts
		JOIN episodic_memory m ON m.rowid = episodic_memory_fts.rowid
		WHERE episodic_memory_fts MATCH ? AND m.conversation_id = ?
		ORDER BY score DESC
		LIMIT ?
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, sanitizeFTSQuery(query), cid, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodic BM25 search for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanScoredEpisodicRows(rows)
}

// SearchVector ranks episodes in cid by cosine similarity to queryVec. There
// is no SQLite vector index, so this always scans and scores in-process.
func (s *EpisodicStore) SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	return s.bruteForceVectorSearch(ctx, cid, queryVec, limit)
}

func (s *EpisodicStore) bruteForceVectorSearch(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	rows, err := s.db.queryer(ctx).QueryContext(ctx, `SELECT `+episodicSelectColumns+` FROM episodic_memory WHERE conversation_id = ?`, cid)
	if err != nil {
		return nil, fmt.Errorf("sqlite: episodic brute-force scan for %s: %w", cid, err)
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
		var e types.EpisodicMemory
		var t episodicScanTarget
		var score float64
		if err := rows.Scan(
			&e.ID, &e.ConversationID, &t.messagesJSON, &e.Title, &e.Summary, &t.embeddingJSON,
			&e.Stability, &e.Difficulty, &e.Surprise,
			&t.createdAt, &t.startAt, &t.endAt, &t.lastReviewedAt, &t.consolidatedAt, &score,
		); err != nil {
			return nil, err
		}
		if err := hydrateEpisodic(&e, &t); err != nil {
			return nil, err
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
		WHERE conversation_id = ?
		ORDER BY end_at DESC
		LIMIT ?
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid, n)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent episodes for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEpisodicRows(rows)
}

// UpdateFSRS applies a new stability/difficulty pair after a review.
func (s *EpisodicStore) UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error {
	const updateSQL = `
		UPDATE episodic_memory SET stability = ?, difficulty = ?, last_reviewed_at = ?
		WHERE id = ?
	`
	res, err := s.db.queryer(ctx).ExecContext(ctx, updateSQL, stability, difficulty, formatTime(lastReviewedAt), id)
	if err != nil {
		return fmt.Errorf("sqlite: update FSRS for %s: %w", id, err)
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
	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	updateSQL := fmt.Sprintf(`UPDATE episodic_memory SET consolidated_at = ? WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := s.db.queryer(ctx).ExecContext(ctx, updateSQL, args...); err != nil {
		return fmt.Errorf("sqlite: mark consolidated: %w", err)
	}
	return nil
}

// Unconsolidated returns all episodes for cid with ConsolidatedAt IS NULL,
// oldest first.
func (s *EpisodicStore) Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error) {
	const querySQL = `
		SELECT ` + episodicSelectColumns + `
		FROM episodic_memory
		WHERE conversation_id = ? AND consolidated_at IS NULL
		ORDER BY created_at ASC
	`
	rows, err := s.db.queryer(ctx).QueryContext(ctx, querySQL, cid)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unconsolidated episodes for %s: %w", cid, err)
	}
	defer func() { _ = rows.Close() }()
	return scanEpisodicRows(rows)
}

func nullableTimeString(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// prefixColumns qualifies a bare, comma-separated column list with alias,
// needed once a query joins the FTS shadow table against the base table.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
