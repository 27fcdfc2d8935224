package store

func schemaStatements(dialect Dialect) []string {
	outboxID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		outboxID = "id BIGSERIAL PRIMARY KEY"
	}

	return []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			workflow_id TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			integration TEXT NOT NULL,
			config TEXT NOT NULL,
			PRIMARY KEY (workflow_id, stage_index)
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			run_meta TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stage_records (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			integration TEXT NOT NULL,
			status TEXT NOT NULL,
			external_message_id TEXT,
			participant TEXT,
			last_error TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (run_id, stage_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stage_records_status ON stage_records (status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS awaited_replies (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			stage_record_id TEXT NOT NULL UNIQUE,
			external_message_id TEXT,
			participant TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_awaited_replies_participant ON awaited_replies (participant, status)`,
		`CREATE TABLE IF NOT EXISTS captured_replies (
			id TEXT PRIMARY KEY,
			awaited_reply_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			participant TEXT NOT NULL,
			template TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			` + outboxID + `,
			run_id TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			payload TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	}
}
