package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fentz26/fleetd/internal/models"
)

// UpsertInstance records a heartbeat. The first call creates the row; later
// calls refresh last_heartbeat and metadata but keep started_at.
func (s *Store) UpsertInstance(ctx context.Context, inst models.Instance) error {
	meta, err := json.Marshal(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal instance metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (instance_id, workspace_id, hostname, pid, repo_root, started_at, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			hostname = excluded.hostname,
			pid = excluded.pid,
			repo_root = excluded.repo_root,
			last_heartbeat = excluded.last_heartbeat,
			metadata = excluded.metadata`,
		inst.InstanceID, inst.WorkspaceID, inst.Hostname, inst.PID, inst.RepoRoot,
		toMillis(inst.StartedAt), toMillis(inst.LastHeartbeat), string(meta),
	)
	if err != nil {
		return fmt.Errorf("upsert instance: %w", err)
	}
	return nil
}

// ListInstances returns every instance ever seen, ordered by id. Liveness
// filtering is left to the caller.
func (s *Store) ListInstances(ctx context.Context) ([]models.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, workspace_id, hostname, pid, repo_root, started_at, last_heartbeat, metadata
		FROM instances ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var out []models.Instance
	for rows.Next() {
		var (
			inst               models.Instance
			started, heartbeat int64
			meta               string
		)
		if err := rows.Scan(&inst.InstanceID, &inst.WorkspaceID, &inst.Hostname, &inst.PID, &inst.RepoRoot,
			&started, &heartbeat, &meta); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.StartedAt = fromMillis(started)
		inst.LastHeartbeat = fromMillis(heartbeat)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &inst.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", inst.InstanceID, err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
