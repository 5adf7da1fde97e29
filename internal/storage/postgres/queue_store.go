package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// QueueStore implements storage.QueueStore using the message_queues table.
// The fence column is the sole mutual-exclusion primitive for segmentation;
// see Push and TrySetFence.
type QueueStore struct {
	db *DB
}

// NewQueueStore returns a QueueStore backed by db.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

var _ storage.QueueStore = (*QueueStore)(nil)

// Push appends message and returns the post-append message count in a
// single round trip, using jsonb_array_length on the RETURNING row so the
// count reflects exactly this push, not a racing concurrent one.
func (s *QueueStore) Push(ctx context.Context, cid string, message types.Message) (int, error) {
	msgJSON, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("postgres: marshal message: %w", err)
	}

	const upsertSQL = `
		INSERT INTO message_queues (conversation_id, messages)
		VALUES ($1, jsonb_build_array($2::jsonb))
		ON CONFLICT (conversation_id) DO UPDATE
			SET messages = message_queues.messages || $2::jsonb
		RETURNING jsonb_array_length(messages)
	`
	var count int
	if err := s.db.conn.QueryRowContext(ctx, upsertSQL, cid, msgJSON).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: push message for %s: %w", cid, err)
	}
	return count, nil
}

// Get returns the queue row for cid, creating an empty one if absent.
func (s *QueueStore) Get(ctx context.Context, cid string) (*types.MessageQueue, error) {
	const ensureSQL = `
		INSERT INTO message_queues (conversation_id) VALUES ($1)
		ON CONFLICT (conversation_id) DO NOTHING
	`
	if _, err := s.db.conn.ExecContext(ctx, ensureSQL, cid); err != nil {
		return nil, fmt.Errorf("postgres: ensure queue row for %s: %w", cid, err)
	}

	const selectSQL = `
		SELECT conversation_id, messages, fence, fence_started_at, window_doubled,
		       prev_episode_summary, pending_reviews, event_model,
		       event_model_embedding, last_embedding
		FROM message_queues WHERE conversation_id = $1
	`
	row := s.db.conn.QueryRowContext(ctx, selectSQL, cid)
	return scanQueueRow(row, cid)
}

func scanQueueRow(row *sql.Row, cid string) (*types.MessageQueue, error) {
	var (
		messagesJSON       []byte
		fence              sql.NullInt64
		fenceStartedAt     sql.NullTime
		windowDoubled      bool
		prevEpisodeSummary sql.NullString
		pendingJSON        []byte
		eventModel         sql.NullString
		eventModelEmb      pgvector.Vector
		lastEmb            pgvector.Vector
	)

	err := row.Scan(&cid, &messagesJSON, &fence, &fenceStartedAt, &windowDoubled,
		&prevEpisodeSummary, &pendingJSON, &eventModel, &eventModelEmb, &lastEmb)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan queue row for %s: %w", cid, err)
	}

	q := &types.MessageQueue{
		ConversationID: cid,
		WindowDoubled:  windowDoubled,
	}
	if err := json.Unmarshal(messagesJSON, &q.Messages); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal messages for %s: %w", cid, err)
	}
	if len(pendingJSON) > 0 {
		if err := json.Unmarshal(pendingJSON, &q.PendingReviews); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal pending_reviews for %s: %w", cid, err)
		}
	}
	if fence.Valid {
		n := int(fence.Int64)
		q.Fence = &n
	}
	if fenceStartedAt.Valid {
		t := fenceStartedAt.Time
		q.FenceStartedAt = &t
	}
	if prevEpisodeSummary.Valid {
		q.PrevEpisodeSummary = &prevEpisodeSummary.String
	}
	if eventModel.Valid {
		q.EventModel = &eventModel.String
	}
	if len(eventModelEmb.Slice()) > 0 {
		q.EventModelEmbedding = eventModelEmb.Slice()
	}
	if len(lastEmb.Slice()) > 0 {
		q.LastEmbedding = lastEmb.Slice()
	}
	return q, nil
}

// Drain removes the first n messages from the head of the queue.
func (s *QueueStore) Drain(ctx context.Context, cid string, n int) error {
	const sql = `
		UPDATE message_queues
		SET messages = COALESCE((SELECT jsonb_agg(elem) FROM (
			SELECT elem FROM jsonb_array_elements(messages) WITH ORDINALITY AS t(elem, idx)
			WHERE idx > $2
		) sub), '[]'::jsonb)
		WHERE conversation_id = $1
	`
	_, err := s.db.conn.ExecContext(ctx, sql, cid, n)
	if err != nil {
		return fmt.Errorf("postgres: drain %d messages for %s: %w", n, cid, err)
	}
	return nil
}

// Finalize clears the fence and, if windowDoubled is non-nil, updates
// window_doubled.
func (s *QueueStore) Finalize(ctx context.Context, cid string, windowDoubled *bool) error {
	sqlStr := `UPDATE message_queues SET fence = NULL, fence_started_at = NULL`
	args := []interface{}{cid}
	if windowDoubled != nil {
		sqlStr += `, window_doubled = $2`
		args = append(args, *windowDoubled)
	}
	sqlStr += ` WHERE conversation_id = $1`

	if _, err := s.db.conn.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("postgres: finalize queue for %s: %w", cid, err)
	}
	return nil
}

// TrySetFence atomically sets fence = count iff fence IS NULL.
func (s *QueueStore) TrySetFence(ctx context.Context, cid string, count int) (bool, error) {
	const sql = `
		UPDATE message_queues
		SET fence = $2, fence_started_at = now()
		WHERE conversation_id = $1 AND fence IS NULL
	`
	res, err := s.db.conn.ExecContext(ctx, sql, cid, count)
	if err != nil {
		return false, fmt.Errorf("postgres: try set fence for %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: try set fence rows affected for %s: %w", cid, err)
	}
	return n == 1, nil
}

// ClearStaleFence clears fence iff it is set and older than ttl. Returns
// true when the caller is free to proceed (no fence, or a stale one was
// just cleared); false when an active, non-stale fence blocks the caller.
func (s *QueueStore) ClearStaleFence(ctx context.Context, cid string, ttl time.Duration) (bool, error) {
	const checkSQL = `SELECT fence, fence_started_at FROM message_queues WHERE conversation_id = $1`
	var fence sql.NullInt64
	var fenceStartedAt sql.NullTime
	if err := s.db.conn.QueryRowContext(ctx, checkSQL, cid).Scan(&fence, &fenceStartedAt); err != nil {
		return false, fmt.Errorf("postgres: read fence for %s: %w", cid, err)
	}
	if !fence.Valid {
		return true, nil
	}
	if !fenceStartedAt.Valid || time.Since(fenceStartedAt.Time) <= ttl {
		return false, nil
	}

	const clearSQL = `
		UPDATE message_queues SET fence = NULL, fence_started_at = NULL
		WHERE conversation_id = $1 AND fence_started_at = $2
	`
	res, err := s.db.conn.ExecContext(ctx, clearSQL, cid, fenceStartedAt.Time)
	if err != nil {
		return false, fmt.Errorf("postgres: clear stale fence for %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: clear stale fence rows affected for %s: %w", cid, err)
	}
	return n == 1, nil
}

// AddPendingReview appends review to the pending_reviews list.
func (s *QueueStore) AddPendingReview(ctx context.Context, cid string, review types.PendingReview) error {
	reviewJSON, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("postgres: marshal pending review: %w", err)
	}
	const sql = `
		UPDATE message_queues
		SET pending_reviews = pending_reviews || jsonb_build_array($2::jsonb)
		WHERE conversation_id = $1
	`
	res, err := s.db.conn.ExecContext(ctx, sql, cid, reviewJSON)
	if err != nil {
		return fmt.Errorf("postgres: add pending review for %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TakePendingReviews atomically reads and clears pending_reviews under a row
// lock so two concurrent reviewers cannot both drain the same batch.
func (s *QueueStore) TakePendingReviews(ctx context.Context, cid string) ([]types.PendingReview, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin take pending reviews for %s: %w", cid, err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectSQL = `SELECT pending_reviews FROM message_queues WHERE conversation_id = $1 FOR UPDATE`
	var pendingJSON []byte
	if err := tx.QueryRowContext(ctx, selectSQL, cid).Scan(&pendingJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: select pending reviews for %s: %w", cid, err)
	}

	var reviews []types.PendingReview
	if len(pendingJSON) > 0 {
		if err := json.Unmarshal(pendingJSON, &reviews); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal pending reviews for %s: %w", cid, err)
		}
	}
	if len(reviews) == 0 {
		return nil, tx.Commit()
	}

	const clearSQL = `UPDATE message_queues SET pending_reviews = '[]'::jsonb WHERE conversation_id = $1`
	if _, err := tx.ExecContext(ctx, clearSQL, cid); err != nil {
		return nil, fmt.Errorf("postgres: clear pending reviews for %s: %w", cid, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("postgres: commit take pending reviews for %s: %w", cid, err)
	}
	return reviews, nil
}

// UpdateEventModel sets the event-model description and embedding.
func (s *QueueStore) UpdateEventModel(ctx context.Context, cid string, model string, embedding []float32) error {
	const sql = `UPDATE message_queues SET event_model = $2, event_model_embedding = $3 WHERE conversation_id = $1`
	_, err := s.db.conn.ExecContext(ctx, sql, cid, model, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: update event model for %s: %w", cid, err)
	}
	return nil
}

// UpdateLastEmbedding sets the rolling-average embedding.
func (s *QueueStore) UpdateLastEmbedding(ctx context.Context, cid string, embedding []float32) error {
	const sql = `UPDATE message_queues SET last_embedding = $2 WHERE conversation_id = $1`
	_, err := s.db.conn.ExecContext(ctx, sql, cid, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("postgres: update last embedding for %s: %w", cid, err)
	}
	return nil
}

// UpdatePrevEpisodeSummary seeds the next batch_segment call.
func (s *QueueStore) UpdatePrevEpisodeSummary(ctx context.Context, cid string, summary string) error {
	const sql = `UPDATE message_queues SET prev_episode_summary = $2 WHERE conversation_id = $1`
	_, err := s.db.conn.ExecContext(ctx, sql, cid, summary)
	if err != nil {
		return fmt.Errorf("postgres: update prev episode summary for %s: %w", cid, err)
	}
	return nil
}
