package runapi

import (
	"time"

	"github.com/dyocense/kernel/pkg/domain"
)

// submitRunRequest is the wire shape of a Submit Run request (§6). Struct
// tags enforce the size/required constraints gin's binding package can
// express; the remainder (tier caps, goal size) is enforced by
// pkg/admission.
type submitRunRequest struct {
	TenantID            string                 `json:"tenant_id" binding:"required"`
	IdempotencyKey      string                 `json:"idempotency_key" binding:"required,max=128"`
	Goal                string                 `json:"goal" binding:"required"`
	TablesProfile       map[string]any         `json:"tables_profile"`
	DataInputs          map[string]any         `json:"data_inputs"`
	Horizon             int                    `json:"horizon"`
	NumScenarios        int                    `json:"num_scenarios"`
	ArchetypeID         string                 `json:"archetype_id"`
	ConstraintsOverride map[string]any         `json:"constraints_overrides"`
	PriorityHint        domain.PriorityHint    `json:"priority_hint"`
}

// submitRunResponse is the wire shape of a Submit Run response (§6).
type submitRunResponse struct {
	RunID       string    `json:"run_id"`
	State       string    `json:"state"`
	AcceptedAt  time.Time `json:"accepted_at"`
	DuplicateOf *string   `json:"duplicate_of"`
}

// stageView is one entry of getRunResponse.Stages.
type stageView struct {
	Name      domain.StageName  `json:"name"`
	State     domain.StageState `json:"state"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	ErrorKind domain.ErrorKind  `json:"error_kind,omitempty"`
	ErrorMsg  string            `json:"error_msg,omitempty"`
	Attempts  int               `json:"attempts"`
	Fingerprint string          `json:"fingerprint,omitempty"`
}

// getRunResponse is the wire shape of a Get Run response (§6).
type getRunResponse struct {
	RunID        string                `json:"run_id"`
	TenantID     string                `json:"tenant_id"`
	State        domain.RunState       `json:"state"`
	Stages       []stageView           `json:"stages"`
	Fingerprints domain.Fingerprints   `json:"fingerprints"`
	CreatedAt    time.Time             `json:"created_at"`
	TerminalAt   *time.Time            `json:"terminal_at,omitempty"`
	EvidenceRef  string                `json:"evidence_ref,omitempty"`
}

func toGetRunResponse(run domain.Run) getRunResponse {
	stages := make([]stageView, 0, len(run.Stages))
	for _, rec := range run.Stages {
		stages = append(stages, stageView{
			Name: rec.Name, State: rec.State, StartedAt: rec.StartedAt, EndedAt: rec.EndedAt,
			ErrorKind: rec.ErrorKind, ErrorMsg: rec.ErrorMsg, Attempts: rec.Attempts,
			Fingerprint: rec.Fingerprint,
		})
	}
	return getRunResponse{
		RunID: run.RunID, TenantID: run.TenantID, State: run.State, Stages: stages,
		Fingerprints: run.Fingerprints, CreatedAt: run.CreatedAt, TerminalAt: run.TerminalAt,
		EvidenceRef: run.EvidenceRef,
	}
}

// cancelRunResponse is the wire shape of a Cancel Run response (§6).
type cancelRunResponse struct {
	RunID string          `json:"run_id"`
	State domain.RunState `json:"state"`
}
