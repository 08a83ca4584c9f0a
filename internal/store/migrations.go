package store

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL DEFAULT 'task',
    status TEXT NOT NULL DEFAULT 'queued',
    outcome TEXT,
    instruction TEXT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_status ON workflow_runs(status);

CREATE TABLE IF NOT EXISTS workflow_steps (
    id TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL REFERENCES workflow_runs(id),
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    data TEXT,
    result TEXT,
    runner_instance_id TEXT,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(workflow_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_status ON workflow_steps(status);
CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id);

CREATE TABLE IF NOT EXISTS runner_dispatches (
    subject_id TEXT PRIMARY KEY,
    subject_kind TEXT NOT NULL,
    token TEXT NOT NULL UNIQUE,
    dispatched_at TIMESTAMP NOT NULL,
    timeout_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    subject_id TEXT NOT NULL,
    last_error TEXT,
    attempts INTEGER NOT NULL,
    recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runner_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    unit_id TEXT NOT NULL,
    outcome TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS review_runs (
    id TEXT PRIMARY KEY,
    pull_request_id TEXT NOT NULL,
    "trigger" TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    summary TEXT,
    findings TEXT,
    risk_assessment TEXT,
    logs_path TEXT,
    last_error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_runs_pr ON review_runs(pull_request_id);
CREATE INDEX IF NOT EXISTS idx_review_runs_status ON review_runs(status);

-- At most one queued or running review per pull request, enforced at
-- the database so concurrent requests cannot both insert.
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_runs_active_pr
    ON review_runs(pull_request_id) WHERE status IN ('queued', 'running');

CREATE TABLE IF NOT EXISTS review_threads (
    id TEXT PRIMARY KEY,
    review_run_id TEXT REFERENCES review_runs(id),
    pull_request_id TEXT NOT NULL,
    file_path TEXT NOT NULL,
    diff_start_line INTEGER NOT NULL,
    diff_end_line INTEGER NOT NULL,
    resolved BOOLEAN DEFAULT FALSE,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_threads_pr ON review_threads(pull_request_id);

CREATE TABLE IF NOT EXISTS review_comments (
    id TEXT PRIMARY KEY,
    thread_id TEXT NOT NULL REFERENCES review_threads(id),
    author_kind TEXT NOT NULL,
    body TEXT NOT NULL,
    suggested_patch TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_review_comments_thread ON review_comments(thread_id);
`
