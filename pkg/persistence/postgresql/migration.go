package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Content-addressed workflow snapshots
			CREATE TABLE workflow_archive (
				id TEXT PRIMARY KEY,
				workflow_id TEXT NOT NULL,
				version_hash TEXT NOT NULL,
				snapshot JSONB NOT NULL,
				archived_by TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				archived_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, version_hash)
			);

			CREATE INDEX idx_workflow_archive_workflow ON workflow_archive(workflow_id, archived_at DESC);

			-- Change ledger, one row per proposal
			CREATE TABLE workflow_change_audit (
				id TEXT PRIMARY KEY,
				proposal_id TEXT NOT NULL UNIQUE,
				decision_id TEXT NOT NULL DEFAULT '',
				workflow_id TEXT NOT NULL,
				workflow_name TEXT NOT NULL DEFAULT '',
				change_type VARCHAR(20) NOT NULL DEFAULT '',
				previous_hash TEXT NOT NULL DEFAULT '',
				proposed_hash TEXT NOT NULL DEFAULT '',
				diff JSONB NOT NULL DEFAULT '{}',
				risk_score INTEGER NOT NULL DEFAULT 0 CHECK (risk_score BETWEEN 0 AND 100),
				risk_level VARCHAR(20) NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				proposed_by TEXT NOT NULL DEFAULT '',
				approver TEXT NOT NULL DEFAULT '',
				rollback_ref TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deployed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflow_change_audit_workflow ON workflow_change_audit(workflow_id, created_at DESC);
			CREATE INDEX idx_workflow_change_audit_deployed ON workflow_change_audit(deployed_at);

			CREATE TABLE deployment_failures (
				id TEXT PRIMARY KEY,
				audit_id TEXT NOT NULL REFERENCES workflow_change_audit(id),
				proposal_id TEXT NOT NULL,
				workflow_id TEXT NOT NULL,
				stage VARCHAR(50) NOT NULL,
				error TEXT NOT NULL,
				failed_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_deployment_failures_audit ON deployment_failures(audit_id);

			CREATE TABLE decision_log (
				decision_id TEXT PRIMARY KEY,
				proposal_id TEXT NOT NULL,
				allowed BOOLEAN NOT NULL,
				entry JSONB NOT NULL,
				decided_at TIMESTAMP WITH TIME ZONE NOT NULL,
				seq BIGSERIAL
			);

			CREATE INDEX idx_decision_log_seq ON decision_log(seq DESC);

			CREATE TABLE lead_engagement_state (
				entity_id TEXT PRIMARY KEY,
				state VARCHAR(40) NOT NULL,
				decision_id TEXT NOT NULL DEFAULT '',
				human_actor TEXT NOT NULL DEFAULT '',
				last_transition_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE engagement_state_log (
				id TEXT PRIMARY KEY,
				entity_id TEXT NOT NULL,
				from_state VARCHAR(40) NOT NULL,
				to_state VARCHAR(40) NOT NULL,
				guard VARCHAR(40) NOT NULL,
				actor TEXT NOT NULL DEFAULT '',
				reason TEXT NOT NULL DEFAULT '',
				decision_id TEXT NOT NULL DEFAULT '',
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				seq BIGSERIAL
			);

			CREATE INDEX idx_engagement_state_log_entity ON engagement_state_log(entity_id, seq);

			CREATE TABLE operational_controls (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				autonomy_level INTEGER NOT NULL DEFAULT 0,
				flags JSONB NOT NULL DEFAULT '{}',
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			INSERT INTO operational_controls (id, autonomy_level, flags) VALUES (1, 0, '{}');
		`,
		2: `
			-- Append-only guards
			CREATE OR REPLACE FUNCTION orion_reject_mutation() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION '% is append-only', TG_TABLE_NAME USING ERRCODE = 'integrity_constraint_violation';
			END;
			$$ LANGUAGE plpgsql;

			CREATE OR REPLACE FUNCTION orion_guard_change_audit() RETURNS trigger AS $$
			BEGIN
				IF TG_OP = 'DELETE' THEN
					RAISE EXCEPTION 'workflow_change_audit is append-only' USING ERRCODE = 'integrity_constraint_violation';
				END IF;

				IF OLD.deployed_at IS NOT NULL OR NEW.deployed_at IS NULL THEN
					RAISE EXCEPTION 'deployed_at may only be set once' USING ERRCODE = 'integrity_constraint_violation';
				END IF;

				IF (to_jsonb(NEW) - 'deployed_at') IS DISTINCT FROM (to_jsonb(OLD) - 'deployed_at') THEN
					RAISE EXCEPTION 'only deployed_at may change' USING ERRCODE = 'integrity_constraint_violation';
				END IF;

				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql;

			CREATE TRIGGER workflow_change_audit_guard
				BEFORE UPDATE OR DELETE ON workflow_change_audit
				FOR EACH ROW EXECUTE FUNCTION orion_guard_change_audit();

			CREATE TRIGGER workflow_archive_immutable
				BEFORE UPDATE ON workflow_archive
				FOR EACH ROW EXECUTE FUNCTION orion_reject_mutation();

			CREATE TRIGGER decision_log_append_only
				BEFORE UPDATE OR DELETE ON decision_log
				FOR EACH ROW EXECUTE FUNCTION orion_reject_mutation();

			CREATE TRIGGER engagement_state_log_append_only
				BEFORE UPDATE OR DELETE ON engagement_state_log
				FOR EACH ROW EXECUTE FUNCTION orion_reject_mutation();

			CREATE TRIGGER deployment_failures_append_only
				BEFORE UPDATE OR DELETE ON deployment_failures
				FOR EACH ROW EXECUTE FUNCTION orion_reject_mutation();
		`,
		3: `
			-- A decision grants at most one engagement approval
			CREATE UNIQUE INDEX idx_engagement_state_log_approval
				ON engagement_state_log(decision_id)
				WHERE guard = 'APPROVAL_GRANTED' AND decision_id <> '';
		`,
	}
}
