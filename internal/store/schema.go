package store

// Migration SQL statements. Each constant is applied once inside a
// transaction; never edit an applied migration, add a new version instead.

const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS task_lists (
	id TEXT PRIMARY KEY,
	project_id TEXT,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	display_id TEXT NOT NULL,
	task_list_id TEXT NOT NULL REFERENCES task_lists(id),
	title TEXT NOT NULL,
	description TEXT,
	category TEXT NOT NULL DEFAULT 'task',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 2,
	effort_estimate INTEGER NOT NULL DEFAULT 0,
	assigned_worker_id TEXT,
	blocked_reason TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(task_list_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS task_status_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	reason TEXT,
	changed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_task ON task_status_history(task_id);

CREATE TABLE IF NOT EXISTS task_relationships (
	id TEXT PRIMARY KEY,
	from_task TEXT NOT NULL REFERENCES tasks(id),
	to_task TEXT NOT NULL REFERENCES tasks(id),
	type TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'authored',
	created_at DATETIME NOT NULL,
	expires_at DATETIME,
	UNIQUE(from_task, to_task, type)
);

CREATE INDEX IF NOT EXISTS idx_rel_from ON task_relationships(from_task);
CREATE INDEX IF NOT EXISTS idx_rel_to ON task_relationships(to_task);
`

const migrationV2Impacts = `
CREATE TABLE IF NOT EXISTS file_impacts (
	task_id TEXT NOT NULL REFERENCES tasks(id),
	file_path TEXT NOT NULL,
	operation TEXT NOT NULL,
	confidence REAL NOT NULL,
	source TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY(task_id, file_path, operation)
);

CREATE TABLE IF NOT EXISTS parallelism_analyses (
	task_a TEXT NOT NULL REFERENCES tasks(id),
	task_b TEXT NOT NULL REFERENCES tasks(id),
	can_parallel INTEGER NOT NULL,
	conflict_reason TEXT,
	analyzed_at DATETIME NOT NULL,
	valid_until DATETIME NOT NULL,
	PRIMARY KEY(task_a, task_b)
);
`

const migrationV3Execution = `
CREATE TABLE IF NOT EXISTS execution_runs (
	id TEXT PRIMARY KEY,
	task_list_id TEXT NOT NULL REFERENCES task_lists(id),
	run_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	total_tasks INTEGER NOT NULL DEFAULT 0,
	completed_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	skipped_tasks INTEGER NOT NULL DEFAULT 0,
	triggered_by TEXT,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE(task_list_id, run_number)
);

CREATE INDEX IF NOT EXISTS idx_runs_list ON execution_runs(task_list_id);

CREATE TABLE IF NOT EXISTS execution_waves (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES execution_runs(id),
	wave_number INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	task_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	UNIQUE(run_id, wave_number)
);

CREATE TABLE IF NOT EXISTS wave_task_assignments (
	wave_id TEXT NOT NULL REFERENCES execution_waves(id),
	task_id TEXT NOT NULL REFERENCES tasks(id),
	worker_instance_id TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY(wave_id, task_id)
);

CREATE TABLE IF NOT EXISTS worker_instances (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id),
	wave_id TEXT NOT NULL REFERENCES execution_waves(id),
	status TEXT NOT NULL DEFAULT 'spawning',
	pid INTEGER,
	spawned_at DATETIME NOT NULL,
	last_heartbeat_at DATETIME NOT NULL,
	completed_at DATETIME,
	stuck_count INTEGER NOT NULL DEFAULT 0,
	error_context TEXT
);

CREATE INDEX IF NOT EXISTS idx_workers_wave ON worker_instances(wave_id);
CREATE INDEX IF NOT EXISTS idx_workers_status ON worker_instances(status);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL REFERENCES worker_instances(id),
	status TEXT NOT NULL,
	progress_percent INTEGER NOT NULL DEFAULT 0,
	current_step TEXT,
	received_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_heartbeats_instance ON worker_heartbeats(instance_id);
`

const migrationV4Events = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	run_id TEXT,
	wave_id TEXT,
	task_id TEXT,
	worker_id TEXT,
	message TEXT,
	payload TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
`
