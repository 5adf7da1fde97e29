// Package postgres provides the Postgres-backed implementation of
// storage.QueueStore, storage.EpisodicStore, and storage.SemanticStore:
// tsvector BM25 lexical search, pgvector HNSW cosine search, and the
// message-queue fence as the per-conversation synchronization point.
package postgres

// Schema creates the three core tables. embedding is declared as a plain
// vector column with no fixed dimension; nothing in this package sizes it
// from the configured embedding dimension.
const Schema = `
CREATE TABLE IF NOT EXISTS message_queues (
    conversation_id TEXT PRIMARY KEY,
    messages JSONB NOT NULL DEFAULT '[]',
    fence INTEGER,
    fence_started_at TIMESTAMPTZ,
    window_doubled BOOLEAN NOT NULL DEFAULT FALSE,
    prev_episode_summary TEXT,
    pending_reviews JSONB NOT NULL DEFAULT '[]',
    event_model TEXT,
    event_model_embedding vector,
    last_embedding vector
);

CREATE TABLE IF NOT EXISTS episodic_memory (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    messages JSONB NOT NULL,
    title TEXT NOT NULL,
    summary TEXT NOT NULL,
    embedding vector,
    stability REAL NOT NULL,
    difficulty REAL NOT NULL,
    surprise REAL NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    start_at TIMESTAMPTZ NOT NULL,
    end_at TIMESTAMPTZ NOT NULL,
    last_reviewed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    consolidated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_episodic_memory_cid ON episodic_memory(conversation_id);
CREATE INDEX IF NOT EXISTS idx_episodic_memory_unconsolidated
    ON episodic_memory(conversation_id, created_at) WHERE consolidated_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_episodic_memory_end_at ON episodic_memory(conversation_id, end_at DESC);

CREATE TABLE IF NOT EXISTS semantic_memory (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    category TEXT NOT NULL,
    fact TEXT NOT NULL,
    keywords JSONB NOT NULL DEFAULT '[]',
    search_text TEXT NOT NULL,
    embedding vector,
    source_episodic_ids JSONB NOT NULL DEFAULT '[]',
    valid_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    invalid_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_semantic_memory_cid_active
    ON semantic_memory(conversation_id, category) WHERE invalid_at IS NULL;
`

// MigrationFTS adds tsvector columns and triggers for BM25 lexical search
// over episodic summaries and semantic search_text, following the
// tsvector/GIN/trigger idiom rather than an external BM25 extension (see
// SPEC_FULL.md §11 for why the ParadeDB bm25 extension was not adopted).
const MigrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'episodic_memory' AND column_name = 'summary_tsv'
    ) THEN
        ALTER TABLE episodic_memory ADD COLUMN summary_tsv tsvector;
    END IF;
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'semantic_memory' AND column_name = 'search_text_tsv'
    ) THEN
        ALTER TABLE semantic_memory ADD COLUMN search_text_tsv tsvector;
    END IF;
END
$$;

UPDATE episodic_memory SET summary_tsv = to_tsvector('english', summary) WHERE summary_tsv IS NULL;
UPDATE semantic_memory SET search_text_tsv = to_tsvector('english', search_text) WHERE search_text_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_episodic_memory_summary_tsv ON episodic_memory USING GIN(summary_tsv);
CREATE INDEX IF NOT EXISTS idx_semantic_memory_search_text_tsv ON semantic_memory USING GIN(search_text_tsv);

CREATE OR REPLACE FUNCTION episodic_memory_tsv_update() RETURNS TRIGGER AS $$
BEGIN
    NEW.summary_tsv := to_tsvector('english', COALESCE(NEW.summary, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS episodic_memory_tsv_trigger ON episodic_memory;
CREATE TRIGGER episodic_memory_tsv_trigger
    BEFORE INSERT OR UPDATE OF summary ON episodic_memory
    FOR EACH ROW EXECUTE FUNCTION episodic_memory_tsv_update();

CREATE OR REPLACE FUNCTION semantic_memory_tsv_update() RETURNS TRIGGER AS $$
BEGIN
    NEW.search_text_tsv := to_tsvector('english', COALESCE(NEW.search_text, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS semantic_memory_tsv_trigger ON semantic_memory;
CREATE TRIGGER semantic_memory_tsv_trigger
    BEFORE INSERT OR UPDATE OF search_text ON semantic_memory
    FOR EACH ROW EXECUTE FUNCTION semantic_memory_tsv_update();
`

// MigrationVectorIndexes creates HNSW cosine indexes on both embedding
// columns, guarded so a missing pgvector extension degrades gracefully
// (brute-force cosine scan, same fallback shape as the vector-search path
// below) instead of failing startup.
const MigrationVectorIndexes = `
DO $$
BEGIN
    IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector') THEN
        IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_episodic_memory_embedding_hnsw') THEN
            EXECUTE 'CREATE INDEX idx_episodic_memory_embedding_hnsw ON episodic_memory USING hnsw (embedding vector_cosine_ops)';
        END IF;
        IF NOT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_semantic_memory_embedding_hnsw') THEN
            EXECUTE 'CREATE INDEX idx_semantic_memory_embedding_hnsw ON semantic_memory USING hnsw (embedding vector_cosine_ops)';
        END IF;
    END IF;
END
$$;
`
