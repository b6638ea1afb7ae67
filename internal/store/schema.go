package store

// schema is applied in order by Postgres.Migrate. Every statement is
// idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id                  BIGSERIAL PRIMARY KEY,
		source              TEXT        NOT NULL,
		source_id           TEXT        NOT NULL,
		name                TEXT        NOT NULL,
		entity_kind         TEXT        NOT NULL,
		status              TEXT        NOT NULL,
		title               TEXT        NOT NULL DEFAULT '',
		reference_number    TEXT        NOT NULL DEFAULT '',
		content_fingerprint TEXT        NOT NULL,
		listing_program     TEXT        NOT NULL DEFAULT '',
		listing_date        DATE,
		remarks             TEXT        NOT NULL DEFAULT '',
		first_seen_at       TIMESTAMPTZ NOT NULL,
		last_updated_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_entities_kind_status ON entities (entity_kind, status)`,
	`CREATE TABLE IF NOT EXISTS aliases (
		entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord       INT    NOT NULL,
		name      TEXT   NOT NULL,
		quality   TEXT   NOT NULL,
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord       INT    NOT NULL,
		full_text TEXT   NOT NULL,
		country   TEXT   NOT NULL DEFAULT '',
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord       INT    NOT NULL,
		doc_type  TEXT   NOT NULL,
		number    TEXT   NOT NULL,
		issuer    TEXT   NOT NULL DEFAULT '',
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS nationalities (
		entity_id BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord       INT    NOT NULL,
		country   TEXT   NOT NULL,
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS births (
		entity_id  BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord        INT    NOT NULL,
		date_text  TEXT   NOT NULL DEFAULT '',
		place_text TEXT   NOT NULL DEFAULT '',
		birth_date DATE,
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS sanctions (
		entity_id    BIGINT NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
		ord          INT    NOT NULL,
		program      TEXT   NOT NULL,
		authority    TEXT   NOT NULL,
		listing_date DATE,
		PRIMARY KEY (entity_id, ord)
	)`,
	`CREATE TABLE IF NOT EXISTS ingestion_runs (
		id               TEXT PRIMARY KEY,
		source           TEXT        NOT NULL,
		trigger_type     TEXT        NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ,
		status           TEXT        NOT NULL,
		records_added    INT         NOT NULL DEFAULT 0,
		records_updated  INT         NOT NULL DEFAULT 0,
		records_deleted  INT         NOT NULL DEFAULT 0,
		feed_fingerprint TEXT        NOT NULL DEFAULT '',
		error_summary    TEXT        NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_source_started ON ingestion_runs (source, started_at DESC)`,
}
