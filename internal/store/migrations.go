package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create runs and turns",
		SQL: `
			CREATE TABLE runs (
				id              TEXT PRIMARY KEY,
				agent           TEXT NOT NULL,
				trigger         TEXT NOT NULL,
				status          TEXT NOT NULL,
				day             TEXT NOT NULL,
				created_at      TEXT NOT NULL,
				started_at      TEXT,
				finished_at     TEXT,
				input_tokens    INTEGER NOT NULL DEFAULT 0,
				output_tokens   INTEGER NOT NULL DEFAULT 0,
				cost_usd        REAL NOT NULL DEFAULT 0,
				turns_completed INTEGER NOT NULL DEFAULT 0,
				turns_total     INTEGER NOT NULL DEFAULT 0,
				error           TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX idx_runs_agent_day ON runs (agent, day);
			CREATE INDEX idx_runs_status ON runs (status);
			CREATE INDEX idx_runs_created ON runs (created_at);

			CREATE TABLE turns (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				ordinal       INTEGER NOT NULL,
				name          TEXT NOT NULL,
				model         TEXT NOT NULL DEFAULT '',
				status        TEXT NOT NULL DEFAULT 'running',
				started_at    TEXT NOT NULL,
				finished_at   TEXT,
				input_tokens  INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				steps         INTEGER NOT NULL DEFAULT 0,
				UNIQUE (run_id, ordinal)
			);

			CREATE INDEX idx_turns_run ON turns (run_id, ordinal);
		`,
	},
	{
		Version: 2,
		Name:    "create transcript with tool call views",
		SQL: `
			CREATE TABLE transcript (
				seq           INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				turn          INTEGER NOT NULL,
				kind          TEXT NOT NULL,
				role          TEXT NOT NULL DEFAULT '',
				tool          TEXT NOT NULL DEFAULT '',
				call_id       TEXT NOT NULL DEFAULT '',
				content       TEXT NOT NULL DEFAULT '',
				is_error      INTEGER NOT NULL DEFAULT 0,
				error_kind    TEXT NOT NULL DEFAULT '',
				input_tokens  INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				created_at    TEXT NOT NULL
			);

			CREATE INDEX idx_transcript_run ON transcript (run_id, seq);

			CREATE VIEW tool_calls AS
				SELECT seq, run_id, turn, call_id, tool, content AS args, created_at
				FROM transcript WHERE kind = 'tool_call';

			CREATE VIEW tool_results AS
				SELECT seq, run_id, turn, call_id, tool, content AS output, is_error, error_kind, created_at
				FROM transcript WHERE kind = 'tool_result';
		`,
	},
	{
		Version: 3,
		Name:    "create costs and agent stats",
		SQL: `
			CREATE TABLE costs (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id        TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				agent         TEXT NOT NULL,
				model         TEXT NOT NULL,
				input_tokens  INTEGER NOT NULL DEFAULT 0,
				output_tokens INTEGER NOT NULL DEFAULT 0,
				cost_usd      REAL NOT NULL DEFAULT 0,
				day           TEXT NOT NULL,
				month         TEXT NOT NULL,
				created_at    TEXT NOT NULL
			);

			CREATE INDEX idx_costs_agent_day ON costs (agent, day);
			CREATE INDEX idx_costs_day ON costs (day);
			CREATE INDEX idx_costs_month ON costs (month);
			CREATE INDEX idx_costs_run ON costs (run_id);

			CREATE TABLE agent_stats (
				agent           TEXT PRIMARY KEY,
				total_runs      INTEGER NOT NULL DEFAULT 0,
				completed       INTEGER NOT NULL DEFAULT 0,
				failed          INTEGER NOT NULL DEFAULT 0,
				timed_out       INTEGER NOT NULL DEFAULT 0,
				budget_rejected INTEGER NOT NULL DEFAULT 0,
				total_tokens    INTEGER NOT NULL DEFAULT 0,
				total_cost_usd  REAL NOT NULL DEFAULT 0,
				last_run_at     TEXT,
				last_status     TEXT NOT NULL DEFAULT ''
			);
		`,
	},
}
