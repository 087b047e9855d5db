package migrations

// DialectTemplate is used as the templating control for differing SQL syntax
// between our supported databases.
type DialectTemplate struct {
	Binary            string
	IntegerPrimaryKey string
}

// MigrationSet provides a set of migrations that can be applied to a database.
type MigrationSet []MigrationData

// MigrationData provides the data for a single migration, including Up and
// Down SQL. Templated values are substituted for database-specific values
// before the migrations are applied.
type MigrationData struct {
	SequenceNumber int64
	Name           string
	UpSQL          string
	DownSQL        string
}

// CodegraphServerMigrations is the set of migrations to set up the database
// for the codegraph server and its workers.
var CodegraphServerMigrations = MigrationSet{
	{
		SequenceNumber: 1,
		Name:           "create_jobs",
		UpSQL: `CREATE TABLE IF NOT EXISTS jobs
				(
					job_id text NOT NULL PRIMARY KEY,
					job_created_at timestamp without time zone NOT NULL,
					job_updated_at timestamp without time zone NOT NULL,
					job_etag text NOT NULL,
					job_status text NOT NULL,
					job_source text NOT NULL,
					job_source_kind text NOT NULL,
					job_branch text NOT NULL DEFAULT '',
					job_priority text NOT NULL,
					job_request text NOT NULL DEFAULT '{}',
					job_current_step text NOT NULL DEFAULT '',
					job_steps text NOT NULL DEFAULT '{}',
					job_overall_progress real NOT NULL DEFAULT 0,
					job_orchestrator_task_id text NOT NULL DEFAULT '',
					job_result text NOT NULL DEFAULT '{}',
					job_error text NOT NULL DEFAULT '',
					job_started_at timestamp without time zone,
					job_completed_at timestamp without time zone
				);
				CREATE INDEX IF NOT EXISTS jobs_status_index ON jobs(job_status);
				CREATE UNIQUE INDEX IF NOT EXISTS jobs_created_at_id_desc_unique_index ON jobs(
					job_created_at DESC,
					job_id DESC);`,
		DownSQL: `DROP INDEX jobs_status_index;
				  DROP TABLE jobs;`,
	},
	{
		SequenceNumber: 2,
		Name:           "create_tasks",
		UpSQL: `CREATE TABLE IF NOT EXISTS tasks
				(
					task_id text NOT NULL PRIMARY KEY,
					task_created_at timestamp without time zone NOT NULL,
					task_updated_at timestamp without time zone NOT NULL,
					task_etag text NOT NULL,
					task_name text NOT NULL,
					task_queue text NOT NULL,
					task_args text NOT NULL DEFAULT '{}',
					task_state text NOT NULL,
					task_not_before timestamp without time zone,
					task_attempts integer NOT NULL DEFAULT 0,
					task_allocated_to text NOT NULL DEFAULT '',
					task_allocated_until timestamp without time zone,
					task_revoked boolean NOT NULL DEFAULT false,
					task_terminate boolean NOT NULL DEFAULT false,
					task_result text NOT NULL DEFAULT '',
					task_error text NOT NULL DEFAULT '',
					task_finished_at timestamp without time zone
				);
				CREATE INDEX IF NOT EXISTS tasks_claim_index ON tasks(task_state, task_queue, task_created_at);
				CREATE INDEX IF NOT EXISTS tasks_allocated_until_index ON tasks(task_allocated_until);`,
		DownSQL: `DROP INDEX tasks_claim_index;
				  DROP INDEX tasks_allocated_until_index;
				  DROP TABLE tasks;`,
	},
	{
		SequenceNumber: 3,
		Name:           "create_progress_events",
		UpSQL: `CREATE TABLE IF NOT EXISTS progress_events
				(
					event_id text NOT NULL PRIMARY KEY,
					event_created_at timestamp without time zone NOT NULL,
					event_sequence_number integer NOT NULL,
					event_job_id text NOT NULL,
					event_status text NOT NULL,
					event_step text NOT NULL DEFAULT '',
					event_step_status text NOT NULL DEFAULT '',
					event_progress real NOT NULL DEFAULT 0,
					event_overall_progress real NOT NULL DEFAULT 0,
					event_message text NOT NULL DEFAULT '',
					event_error text NOT NULL DEFAULT '',
					event_cpu_percent real,
					event_memory_mb real
				);
				CREATE UNIQUE INDEX IF NOT EXISTS progress_events_job_sequence_unique_index ON progress_events(
					event_job_id,
					event_sequence_number);`,
		DownSQL: `DROP TABLE progress_events;`,
	},
	{
		SequenceNumber: 4,
		Name:           "create_event_counters",
		UpSQL: `CREATE TABLE IF NOT EXISTS event_counters
				(
					event_counter_job_id text NOT NULL PRIMARY KEY,
					event_counter_value integer NOT NULL DEFAULT 0
				);`,
		DownSQL: `DROP TABLE event_counters;`,
	},
	{
		SequenceNumber: 5,
		Name:           "create_workers",
		UpSQL: `CREATE TABLE IF NOT EXISTS workers
				(
					worker_id text NOT NULL PRIMARY KEY,
					worker_created_at timestamp without time zone NOT NULL,
					worker_hostname text NOT NULL DEFAULT '',
					worker_last_seen_at timestamp without time zone NOT NULL,
					worker_task_names text NOT NULL DEFAULT '[]',
					worker_concurrency integer NOT NULL DEFAULT 0
				);
				CREATE INDEX IF NOT EXISTS workers_last_seen_at_index ON workers(worker_last_seen_at);`,
		DownSQL: `DROP INDEX workers_last_seen_at_index;
				  DROP TABLE workers;`,
	},
	{
		SequenceNumber: 6,
		Name:           "create_kv_entries",
		UpSQL: `CREATE TABLE IF NOT EXISTS kv_entries
				(
					kv_key text NOT NULL PRIMARY KEY,
					kv_value text NOT NULL DEFAULT '{}',
					kv_updated_at timestamp without time zone NOT NULL,
					kv_expires_at timestamp without time zone NOT NULL
				);
				CREATE INDEX IF NOT EXISTS kv_entries_expires_at_index ON kv_entries(kv_expires_at);`,
		DownSQL: `DROP INDEX kv_entries_expires_at_index;
				  DROP TABLE kv_entries;`,
	},
}
