// Package sqlite provides the degraded-but-correct local backend for
// storage.QueueStore, storage.EpisodicStore, and storage.SemanticStore: FTS5
// BM25 lexical search in place of tsvector, and a brute-force cosine scan in
// place of pgvector HNSW. Every exported behavior matches the Postgres
// backend; only the indexing mechanism is weaker (see SPEC_FULL.md §10).
package sqlite

// Schema creates the three core tables plus their FTS5 shadow tables and
// sync triggers. Embeddings are stored as a JSON-encoded []float32 in a TEXT
// column: there is no SQLite vector type, so SearchVector and NearestActive
// always fall back to a brute-force cosine scan (helpers.go).
const Schema = `
CREATE TABLE IF NOT EXISTS message_queues (
    conversation_id TEXT PRIMARY KEY,
    messages TEXT NOT NULL DEFAULT '[]',
    fence INTEGER,
    fence_started_at TEXT,
    window_doubled INTEGER NOT NULL DEFAULT 0,
    prev_episode_summary TEXT,
    pending_reviews TEXT NOT NULL DEFAULT '[]',
    event_model TEXT,
    event_model_embedding TEXT,
    last_embedding TEXT
);

CREATE TABLE IF NOT EXISTS episodic_memory (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    messages TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT NOT NULL,
    embedding TEXT,
    stability REAL NOT NULL,
    difficulty REAL NOT NULL,
    surprise REAL NOT NULL,
    created_at TEXT NOT NULL,
    start_at TEXT NOT NULL,
    end_at TEXT NOT NULL,
    last_reviewed_at TEXT NOT NULL,
    consolidated_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_episodic_memory_cid ON episodic_memory(conversation_id);
CREATE INDEX IF NOT EXISTS idx_episodic_memory_unconsolidated
    ON episodic_memory(conversation_id, created_at) WHERE consolidated_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_episodic_memory_end_at ON episodic_memory(conversation_id, end_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS episodic_memory_fts USING fts5(
    summary, content='episodic_memory', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS episodic_memory_fts_insert AFTER INSERT ON episodic_memory BEGIN
    INSERT INTO episodic_memory_fts(rowid, summary) VALUES (new.rowid, new.summary);
END;
CREATE TRIGGER IF NOT EXISTS episodic_memory_fts_delete AFTER DELETE ON episodic_memory BEGIN
    INSERT INTO episodic_memory_fts(episodic_memory_fts, rowid, summary) VALUES ('delete', old.rowid, old.summary);
END;
CREATE TRIGGER IF NOT EXISTS episodic_memory_fts_update AFTER UPDATE OF summary ON episodic_memory BEGIN
    INSERT INTO episodic_memory_fts(episodic_memory_fts, rowid, summary) VALUES ('delete', old.rowid, old.summary);
    INSERT INTO episodic_memory_fts(rowid, summary) VALUES (new.rowid, new.summary);
END;

CREATE TABLE IF NOT EXISTS semantic_memory (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    category TEXT NOT NULL,
    fact TEXT NOT NULL,
    keywords TEXT NOT NULL DEFAULT '[]',
    search_text TEXT NOT NULL,
    embedding TEXT,
    source_episodic_ids TEXT NOT NULL DEFAULT '[]',
    valid_at TEXT NOT NULL,
    invalid_at TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_semantic_memory_cid_active
    ON semantic_memory(conversation_id, category) WHERE invalid_at IS NULL;

CREATE VIRTUAL TABLE IF NOT EXISTS semantic_memory_fts USING fts5(
    search_text, content='semantic_memory', content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS semantic_memory_fts_insert AFTER INSERT ON semantic_memory BEGIN
    INSERT INTO semantic_memory_fts(rowid, search_text) VALUES (new.rowid, new.search_text);
END;
CREATE TRIGGER IF NOT EXISTS semantic_memory_fts_delete AFTER DELETE ON semantic_memory BEGIN
    INSERT INTO semantic_memory_fts(semantic_memory_fts, rowid, search_text) VALUES ('delete', old.rowid, old.search_text);
END;
CREATE TRIGGER IF NOT EXISTS semantic_memory_fts_update AFTER UPDATE OF search_text ON semantic_memory BEGIN
    INSERT INTO semantic_memory_fts(semantic_memory_fts, rowid, search_text) VALUES ('delete', old.rowid, old.search_text);
    INSERT INTO semantic_memory_fts(rowid, search_text) VALUES (new.rowid, new.search_text);
END;
`
