package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
	"github.com/dyocense/kernel/pkg/registry"
)

// RunStore implements registry.Store against Postgres. A run's stage
// records live in a child table but are always read and written
// together with the parent row, so the two tables present as a single
// aggregate to the Registry.
type RunStore struct {
	client *Client
}

// NewRunStore wraps client for run persistence.
func NewRunStore(client *Client) *RunStore {
	return &RunStore{client: client}
}

// CreateRun implements registry.Store.
func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	tablesProfile, err := marshalOrNil(run.TablesProfile)
	if err != nil {
		return err
	}
	dataInputs, err := marshalOrNil(run.DataInputs)
	if err != nil {
		return err
	}
	overrides, err := marshalOrNil(run.ConstraintsOverride)
	if err != nil {
		return err
	}

	_, err = s.client.DB().ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, tier_snapshot, goal, tables_profile, data_inputs,
			horizon, num_scenarios, archetype_id, constraints_overrides, priority_hint,
			idempotency_key, seed, created_at, state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		run.RunID, run.TenantID, run.TierSnapshot, run.Goal, tablesProfile, dataInputs,
		run.Horizon, run.NumScenarios, nullableString(run.ArchetypeID), overrides,
		nullableString(string(run.PriorityHint)), run.IdempotencyKey, run.Seed, run.CreatedAt,
		run.State, run.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return registry.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetRun implements registry.Store.
func (s *RunStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT run_id, tenant_id, tier_snapshot, goal, tables_profile, data_inputs, horizon,
			num_scenarios, COALESCE(archetype_id, ''), constraints_overrides,
			COALESCE(priority_hint, ''), idempotency_key, seed, created_at, state,
			COALESCE(model_fingerprint, ''), COALESCE(plan_dna, ''), COALESCE(reservation_id, ''),
			terminal_at, cancellation_requested_at, COALESCE(evidence_ref, ''), version
		FROM runs WHERE run_id = $1`, runID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, registry.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}

	stages, err := s.loadStages(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	run.Stages = stages

	return run, nil
}

// ListRuns implements registry.Store.
func (s *RunStore) ListRuns(ctx context.Context, tenantID string, filter registry.ListFilter) ([]domain.Run, error) {
	query := `
		SELECT run_id, tenant_id, tier_snapshot, goal, tables_profile, data_inputs, horizon,
			num_scenarios, COALESCE(archetype_id, ''), constraints_overrides,
			COALESCE(priority_hint, ''), idempotency_key, seed, created_at, state,
			COALESCE(model_fingerprint, ''), COALESCE(plan_dna, ''), COALESCE(reservation_id, ''),
			terminal_at, cancellation_requested_at, COALESCE(evidence_ref, ''), version
		FROM runs WHERE tenant_id = $1`
	args := []any{tenantID}

	if filter.State != "" {
		args = append(args, filter.State)
		query += fmt.Sprintf(" AND state = $%d", len(args))
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	offset := filter.Offset
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range runs {
		stages, err := s.loadStages(ctx, runs[i].RunID)
		if err != nil {
			return nil, err
		}
		runs[i].Stages = stages
	}

	return runs, nil
}

// UpdateRun implements registry.Store's optimistic-concurrency write:
// the UPDATE only applies if version still matches expectedVersion,
// mirroring the conditional-update claim pattern the teacher uses for
// session status transitions.
func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run, expectedVersion int64) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			state = $1, model_fingerprint = $2, plan_dna = $3, reservation_id = $4,
			terminal_at = $5, cancellation_requested_at = $6, evidence_ref = $7, version = $8
		WHERE run_id = $9 AND version = $10`,
		run.State, nullableString(run.Fingerprints.ModelFingerprint),
		nullableString(run.Fingerprints.PlanDNA), nullableString(run.ReservationID),
		run.TerminalAt, run.CancellationAt, nullableString(run.EvidenceRef), run.Version,
		run.RunID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrConcurrentModification
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM stage_records WHERE run_id = $1`, run.RunID); err != nil {
		return err
	}
	for _, rec := range run.Stages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stage_records (run_id, name, state, attempts, started_at, ended_at,
				input_ref, output_ref, error_kind, error_msg, fingerprint)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			run.RunID, rec.Name, rec.State, rec.Attempts, rec.StartedAt, rec.EndedAt,
			nullableString(rec.InputRef), nullableString(rec.OutputRef),
			nullableString(string(rec.ErrorKind)), nullableString(rec.ErrorMsg),
			nullableString(rec.Fingerprint)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// PurgeTerminalBefore implements registry.Store. stage_records rows
// cascade-delete with their parent run (migrations/0001_init.up.sql).
func (s *RunStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM runs WHERE terminal_at IS NOT NULL AND terminal_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeTenant implements registry.Store.
func (s *RunStore) PurgeTenant(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, `DELETE FROM runs WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *RunStore) loadStages(ctx context.Context, runID string) ([]domain.StageRecord, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT name, state, attempts, started_at, ended_at, COALESCE(input_ref, ''),
			COALESCE(output_ref, ''), COALESCE(error_kind, ''), COALESCE(error_msg, ''),
			COALESCE(fingerprint, '')
		FROM stage_records WHERE run_id = $1 ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []domain.StageRecord
	for rows.Next() {
		var rec domain.StageRecord
		var errorKind string
		if err := rows.Scan(&rec.Name, &rec.State, &rec.Attempts, &rec.StartedAt, &rec.EndedAt,
			&rec.InputRef, &rec.OutputRef, &errorKind, &rec.ErrorMsg, &rec.Fingerprint); err != nil {
			return nil, err
		}
		rec.ErrorKind = domain.ErrorKind(errorKind)
		stages = append(stages, rec)
	}
	return stages, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanRun.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var tablesProfile, dataInputs, overrides []byte
	err := row.Scan(&run.RunID, &run.TenantID, &run.TierSnapshot, &run.Goal, &tablesProfile,
		&dataInputs, &run.Horizon, &run.NumScenarios, &run.ArchetypeID, &overrides,
		&run.PriorityHint, &run.IdempotencyKey, &run.Seed, &run.CreatedAt, &run.State,
		&run.Fingerprints.ModelFingerprint, &run.Fingerprints.PlanDNA, &run.ReservationID,
		&run.TerminalAt, &run.CancellationAt, &run.EvidenceRef, &run.Version)
	if err != nil {
		return domain.Run{}, err
	}

	if len(tablesProfile) > 0 {
		if err := json.Unmarshal(tablesProfile, &run.TablesProfile); err != nil {
			return domain.Run{}, err
		}
	}
	if len(dataInputs) > 0 {
		if err := json.Unmarshal(dataInputs, &run.DataInputs); err != nil {
			return domain.Run{}, err
		}
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &run.ConstraintsOverride); err != nil {
			return domain.Run{}, err
		}
	}

	return run, nil
}

func marshalOrNil(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// isUniqueViolation checks for the Postgres unique-violation SQLSTATE
// (23505) without importing the pgx error type directly, since the
// driver is reached only through database/sql here.
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == "23505"
	}
	return false
}
