package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow definitions. The node graph is stored denormalized as
			-- JSONB: the engine reads whole graphs, never individual nodes.
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				nodes JSONB NOT NULL,
				variables JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			-- One run of a workflow graph.
			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
				progress INT NOT NULL DEFAULT 0,
				error_message TEXT,
				input JSONB DEFAULT '{}',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_completed_at ON workflow_executions(completed_at);

			-- Per-node execution records, owned by their execution.
			CREATE TABLE node_tasks (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'queued', 'processing', 'completed', 'failed', 'skipped')),
				external_task_id VARCHAR(255),
				input_data JSONB DEFAULT '{}',
				output_data JSONB DEFAULT '{}',
				error_message TEXT,
				attempts INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (execution_id, node_id)
			);

			CREATE INDEX idx_node_tasks_execution_id ON node_tasks(execution_id);
			CREATE INDEX idx_node_tasks_status ON node_tasks(status);
			CREATE INDEX idx_node_tasks_started_at ON node_tasks(started_at);
			CREATE UNIQUE INDEX idx_node_tasks_external_task_id ON node_tasks(external_task_id) WHERE external_task_id IS NOT NULL;

			-- Lease-based job queue. Deliberately workload-agnostic: jobs
			-- reference node tasks by payload, not by foreign key.
			CREATE TABLE queue_jobs (
				id BIGSERIAL PRIMARY KEY,
				task_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL,
				status VARCHAR(50) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
				priority INT NOT NULL DEFAULT 0,
				attempts INT NOT NULL DEFAULT 0,
				max_attempts INT NOT NULL DEFAULT 3,
				locked_by VARCHAR(255),
				locked_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_queue_jobs_claim ON queue_jobs(status, priority DESC, id);
			CREATE INDEX idx_queue_jobs_created_at ON queue_jobs(created_at);

			-- Inbound provider callbacks, persisted write-ahead for audit.
			CREATE TABLE webhook_events (
				id VARCHAR(255) PRIMARY KEY,
				source VARCHAR(255) NOT NULL,
				external_id VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL,
				processed BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_webhook_events_external_id ON webhook_events(external_id);
			CREATE INDEX idx_webhook_events_processed ON webhook_events(processed);
			CREATE INDEX idx_webhook_events_created_at ON webhook_events(created_at);
		`,
	}
}
