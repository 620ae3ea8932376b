package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/dyocense/kernel/pkg/domain"
)

// EvidenceStore implements evidence.Store against Postgres. Writes are
// append-only from the perspective of the core; readers are external.
type EvidenceStore struct {
	client *Client
}

// NewEvidenceStore wraps client for evidence persistence.
func NewEvidenceStore(client *Client) *EvidenceStore {
	return &EvidenceStore{client: client}
}

// WriteBatch persists every node and edge for a run plus its ref in a
// single transaction, satisfying the "single logical transaction per
// run" write policy (§4.7).
func (s *EvidenceStore) WriteBatch(ctx context.Context, nodes []domain.EvidenceNode, edges []domain.EvidenceEdge, ref domain.EvidenceRef) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range nodes {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evidence_nodes (run_id, node_id, type, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, node_id) DO NOTHING`,
			n.RunID, n.NodeID, n.Type, payload); err != nil {
			return err
		}
	}

	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evidence_edges (run_id, from_node_id, to_node_id, type)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, from_node_id, to_node_id, type) DO NOTHING`,
			e.RunID, e.From, e.To, e.Type); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evidence_refs (run_id, ref, snapshot_hash, written_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (run_id) DO UPDATE SET ref = EXCLUDED.ref, snapshot_hash = EXCLUDED.snapshot_hash, written_at = now()`,
		ref.RunID, ref.Ref, ref.SnapshotHash); err != nil {
		return err
	}

	return tx.Commit()
}

// GetRef returns the evidence ref for a run, if it has been written.
func (s *EvidenceStore) GetRef(ctx context.Context, runID string) (domain.EvidenceRef, bool, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT run_id, ref, snapshot_hash FROM evidence_refs WHERE run_id = $1`, runID)

	var ref domain.EvidenceRef
	err := row.Scan(&ref.RunID, &ref.Ref, &ref.SnapshotHash)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EvidenceRef{}, false, nil
	}
	if err != nil {
		return domain.EvidenceRef{}, false, err
	}
	return ref, true, nil
}
