package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// QueueStore implements storage.QueueStore against message_queues, using
// SQLite's json1 functions in place of jsonb operators.
type QueueStore struct {
	db *DB
}

// NewQueueStore returns a QueueStore backed by db.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

var _ storage.QueueStore = (*QueueStore)(nil)

// Push appends message and returns the post-append message count from the
// same statement's RETURNING clause, so the count reflects exactly this
// push, not a racing concurrent one.
func (s *QueueStore) Push(ctx context.Context, cid string, message types.Message) (int, error) {
	msgJSON, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("sqlite: marshal message: %w", err)
	}

	const upsertSQL = `
		INSERT INTO message_queues (conversation_id, messages)
		VALUES (?, json_array(json(?)))
		ON CONFLICT (conversation_id) DO UPDATE
			SET messages = json_insert(messages, '$[#]', json(?))
		RETURNING json_array_length(messages)
	`
	var count int
	if err := s.db.conn.QueryRowContext(ctx, upsertSQL, cid, string(msgJSON), string(msgJSON)).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: push message for %s: %w", cid, err)
	}
	return count, nil
}

// Get returns the queue row for cid, creating an empty one if absent.
func (s *QueueStore) Get(ctx context.Context, cid string) (*types.MessageQueue, error) {
	if _, err := s.db.conn.ExecContext(ctx,
		`INSERT INTO message_queues (conversation_id) VALUES (?) ON CONFLICT (conversation_id) DO NOTHING`, cid); err != nil {
		return nil, fmt.Errorf("sqlite: ensure queue row for %s: %w", cid, err)
	}

	const selectSQL = `
		SELECT conversation_id, messages, fence, fence_started_at, window_doubled,
		       prev_episode_summary, pending_reviews, event_model,
		       event_model_embedding, last_embedding
		FROM message_queues WHERE conversation_id = ?
	`
	row := s.db.conn.QueryRowContext(ctx, selectSQL, cid)
	return scanQueueRow(row, cid)
}

func scanQueueRow(row *sql.Row, cid string) (*types.MessageQueue, error) {
	var (
		messagesJSON       string
		fence              sql.NullInt64
		fenceStartedAt     sql.NullString
		windowDoubled      bool
		prevEpisodeSummary sql.NullString
		pendingJSON        string
		eventModel         sql.NullString
		eventModelEmbJSON  sql.NullString
		lastEmbJSON        sql.NullString
	)

	err := row.Scan(&cid, &messagesJSON, &fence, &fenceStartedAt, &windowDoubled,
		&prevEpisodeSummary, &pendingJSON, &eventModel, &eventModelEmbJSON, &lastEmbJSON)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan queue row for %s: %w", cid, err)
	}

	q := &types.MessageQueue{
		ConversationID: cid,
		WindowDoubled:  windowDoubled,
	}
	if err := json.Unmarshal([]byte(messagesJSON), &q.Messages); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal messages for %s: %w", cid, err)
	}
	if len(pendingJSON) > 0 {
		if err := json.Unmarshal([]byte(pendingJSON), &q.PendingReviews); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal pending_reviews for %s: %w", cid, err)
		}
	}
	if fence.Valid {
		n := int(fence.Int64)
		q.Fence = &n
	}
	if fenceStartedAt.Valid {
		t, err := parseTime(fenceStartedAt.String)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse fence_started_at for %s: %w", cid, err)
		}
		q.FenceStartedAt = &t
	}
	if prevEpisodeSummary.Valid {
		q.PrevEpisodeSummary = &prevEpisodeSummary.String
	}
	if eventModel.Valid {
		q.EventModel = &eventModel.String
	}
	var s1 *string
	if eventModelEmbJSON.Valid {
		s1 = &eventModelEmbJSON.String
	}
	if q.EventModelEmbedding, err = decodeEmbedding(s1); err != nil {
		return nil, fmt.Errorf("sqlite: decode event_model_embedding for %s: %w", cid, err)
	}
	var s2 *string
	if lastEmbJSON.Valid {
		s2 = &lastEmbJSON.String
	}
	if q.LastEmbedding, err = decodeEmbedding(s2); err != nil {
		return nil, fmt.Errorf("sqlite: decode last_embedding for %s: %w", cid, err)
	}
	return q, nil
}

// Drain removes the first n messages from the head of the queue.
func (s *QueueStore) Drain(ctx context.Context, cid string, n int) error {
	const sqlStr = `
		UPDATE message_queues
		SET messages = COALESCE((
			SELECT json_group_array(json(value)) FROM json_each(messages) WHERE key >= ?
		), '[]')
		WHERE conversation_id = ?
	`
	if _, err := s.db.conn.ExecContext(ctx, sqlStr, n, cid); err != nil {
		return fmt.Errorf("sqlite: drain %d messages for %s: %w", n, cid, err)
	}
	return nil
}

// Finalize clears the fence and, if windowDoubled is non-nil, updates
// window_doubled.
func (s *QueueStore) Finalize(ctx context.Context, cid string, windowDoubled *bool) error {
	sqlStr := `UPDATE message_queues SET fence = NULL, fence_started_at = NULL`
	args := []interface{}{}
	if windowDoubled != nil {
		sqlStr += `, window_doubled = ?`
		args = append(args, *windowDoubled)
	}
	sqlStr += ` WHERE conversation_id = ?`
	args = append(args, cid)

	if _, err := s.db.conn.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("sqlite: finalize queue for %s: %w", cid, err)
	}
	return nil
}

// TrySetFence atomically sets fence = count iff fence IS NULL.
func (s *QueueStore) TrySetFence(ctx context.Context, cid string, count int) (bool, error) {
	const sqlStr = `
		UPDATE message_queues
		SET fence = ?, fence_started_at = ?
		WHERE conversation_id = ? AND fence IS NULL
	`
	res, err := s.db.conn.ExecContext(ctx, sqlStr, count, formatTime(time.Now()), cid)
	if err != nil {
		return false, fmt.Errorf("sqlite: try set fence for %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: try set fence rows affected for %s: %w", cid, err)
	}
	return n == 1, nil
}

// ClearStaleFence clears fence iff it is set and older than ttl.
func (s *QueueStore) ClearStaleFence(ctx context.Context, cid string, ttl time.Duration) (bool, error) {
	const checkSQL = `SELECT fence, fence_started_at FROM message_queues WHERE conversation_id = ?`
	var fence sql.NullInt64
	var fenceStartedAt sql.NullString
	if err := s.db.conn.QueryRowContext(ctx, checkSQL, cid).Scan(&fence, &fenceStartedAt); err != nil {
		return false, fmt.Errorf("sqlite: read fence for %s: %w", cid, err)
	}
	if !fence.Valid {
		return true, nil
	}
	if !fenceStartedAt.Valid {
		return false, nil
	}
	startedAt, err := parseTime(fenceStartedAt.String)
	if err != nil {
		return false, fmt.Errorf("sqlite: parse fence_started_at for %s: %w", cid, err)
	}
	if time.Since(startedAt) <= ttl {
		return false, nil
	}

	const clearSQL = `
		UPDATE message_queues SET fence = NULL, fence_started_at = NULL
		WHERE conversation_id = ? AND fence_started_at = ?
	`
	res, err := s.db.conn.ExecContext(ctx, clearSQL, cid, fenceStartedAt.String)
	if err != nil {
		return false, fmt.Errorf("sqlite: clear stale fence for %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: clear stale fence rows affected for %s: %w", cid, err)
	}
	return n == 1, nil
}

// AddPendingReview appends review to the pending_reviews list.
func (s *QueueStore) AddPendingReview(ctx context.Context, cid string, review types.PendingReview) error {
	reviewJSON, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("sqlite: marshal pending review: %w", err)
	}
	const sqlStr = `
		UPDATE message_queues
		SET pending_reviews = json_insert(pending_reviews, '$[#]', json(?))
		WHERE conversation_id = ?
	`
	res, err := s.db.conn.ExecContext(ctx, sqlStr, string(reviewJSON), cid)
	if err != nil {
		return fmt.Errorf("sqlite: add pending review for %s: %w", cid, err)
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

// TakePendingReviews atomically reads and clears pending_reviews inside a
// transaction. SQLite serializes all writers through the single open
// connection, so this transaction is sufficient mutual exclusion without a
// row-level lock clause.
func (s *QueueStore) TakePendingReviews(ctx context.Context, cid string) ([]types.PendingReview, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin take pending reviews for %s: %w", cid, err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectSQL = `SELECT pending_reviews FROM message_queues WHERE conversation_id = ?`
	var pendingJSON string
	if err := tx.QueryRowContext(ctx, selectSQL, cid).Scan(&pendingJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: select pending reviews for %s: %w", cid, err)
	}

	var reviews []types.PendingReview
	if len(pendingJSON) > 0 {
		if err := json.Unmarshal([]byte(pendingJSON), &reviews); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal pending reviews for %s: %w", cid, err)
		}
	}
	if len(reviews) == 0 {
		return nil, tx.Commit()
	}

	const clearSQL = `UPDATE message_queues SET pending_reviews = '[]' WHERE conversation_id = ?`
	if _, err := tx.ExecContext(ctx, clearSQL, cid); err != nil {
		return nil, fmt.Errorf("sqlite: clear pending reviews for %s: %w", cid, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit take pending reviews for %s: %w", cid, err)
	}
	return reviews, nil
}

// UpdateEventModel sets the event-model description and embedding.
func (s *QueueStore) UpdateEventModel(ctx context.Context, cid string, model string, embedding []float32) error {
	embJSON, err := encodeEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("sqlite: encode event model embedding: %w", err)
	}
	const sqlStr = `UPDATE message_queues SET event_model = ?, event_model_embedding = ? WHERE conversation_id = ?`
	if _, err := s.db.conn.ExecContext(ctx, sqlStr, model, embJSON, cid); err != nil {
		return fmt.Errorf("sqlite: update event model for %s: %w", cid, err)
	}
	return nil
}

// UpdateLastEmbedding sets the rolling-average embedding.
func (s *QueueStore) UpdateLastEmbedding(ctx context.Context, cid string, embedding []float32) error {
	embJSON, err := encodeEmbedding(embedding)
	if err != nil {
		return fmt.Errorf("sqlite: encode last embedding: %w", err)
	}
	const sqlStr = `UPDATE message_queues SET last_embedding = ? WHERE conversation_id = ?`
	if _, err := s.db.conn.ExecContext(ctx, sqlStr, embJSON, cid); err != nil {
		return fmt.Errorf("sqlite: update last embedding for %s: %w", cid, err)
	}
	return nil
}

// UpdatePrevEpisodeSummary seeds the next batch_segment call.
func (s *QueueStore) UpdatePrevEpisodeSummary(ctx context.Context, cid string, summary string) error {
	const sqlStr = `UPDATE message_queues SET prev_episode_summary = ? WHERE conversation_id = ?`
	if _, err := s.db.conn.ExecContext(ctx, sqlStr, summary, cid); err != nil {
		return fmt.Errorf("sqlite: update prev episode summary for %s: %w", cid, err)
	}
	return nil
}
