// Package params provides versioned storage for model parameters with a
// human-gated review workflow.
//
// Parameter changes never apply directly. A calibration run writes a
// Proposal against the currently active ParameterSet; a reviewer approves
// or rejects it exactly once. Approval creates a new immutable version and
// moves the active pointer. Every decision lands in an append-only audit
// log.
//
// Two implementations exist: MemoryStore for tests and ephemeral runs, and
// BadgerStore for persistent on-disk state.
package params

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// Storage errors.
var (
	// ErrNotFound is returned when a version or proposal doesn't exist.
	ErrNotFound = errors.New("params: not found")
	// ErrAlreadyExists is returned on duplicate version or proposal IDs.
	ErrAlreadyExists = errors.New("params: already exists")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("params: store is closed")
	// ErrStaleBaseVersion means the active version changed after the
	// proposal was created. The proposal must be regenerated.
	ErrStaleBaseVersion = errors.New("params: proposal base version is no longer active")
	// ErrProposalDecided means the proposal already left PENDING.
	ErrProposalDecided = errors.New("params: proposal already decided")
	// ErrNoActiveVersion means the store has not been bootstrapped.
	ErrNoActiveVersion = errors.New("params: no active parameter version")
)

// ParameterSet is one immutable version of the model parameters.
type ParameterSet struct {
	VersionID      string    `json:"version_id"`
	AlphaKcalPerKg float64   `json:"alpha_kcal_per_kg"`
	CompensationC  float64   `json:"compensation_c"`
	BMR0KcalPerDay float64   `json:"bmr0_kcal_per_day"`
	KLBMKcalPerKgD float64   `json:"k_lbm_kcal_per_kg_day"`
	// KHydration is the carb-to-water coupling from the decomposer, carried
	// alongside the energy parameters for display smoothing.
	KHydration    float64   `json:"k_hydration"`
	Method        string    `json:"method"`
	EffectiveDate time.Time `json:"effective_date"`
	// EffectiveEnd is set when a successor version is approved; nil means
	// the version is still active.
	EffectiveEnd *time.Time `json:"effective_end,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// ProposalStatus is the review state of a proposal. PENDING transitions to
// APPROVED or REJECTED exactly once.
type ProposalStatus string

const (
	StatusPending  ProposalStatus = "PENDING"
	StatusApproved ProposalStatus = "APPROVED"
	StatusRejected ProposalStatus = "REJECTED"
)

// Diagnostics carries the fit evidence a reviewer sees with a proposal.
type Diagnostics struct {
	R2                 float64  `json:"r2"`
	MAEKg              float64  `json:"mae_kg"`
	RMSEKg             float64  `json:"rmse_kg"`
	BiasKg             float64  `json:"bias_kg"`
	ConditionNumber    float64  `json:"condition_number"`
	NWindows           int      `json:"n_windows"`
	UsedFallback       bool     `json:"used_fallback"`
	Warnings           []string `json:"warnings,omitempty"`
	AlphaImpliedMin    float64  `json:"alpha_implied_min"`
	AlphaImpliedMedian float64  `json:"alpha_implied_median"`
	AlphaImpliedMax    float64  `json:"alpha_implied_max"`
	// Capped lists parameters whose proposed change exceeded the per-run
	// cap and was truncated, with the uncapped value recorded.
	Capped map[string]float64 `json:"capped,omitempty"`
	// GuardrailReasons explains why the run recommends rejection. The
	// proposal is still written PENDING; the reviewer decides.
	GuardrailReasons []string `json:"guardrail_reasons,omitempty"`
}

// Proposal is a candidate parameter change awaiting human review.
type Proposal struct {
	ID            string         `json:"id"`
	BaseVersionID string         `json:"base_version_id"`
	Proposed      ParameterSet   `json:"proposed"`
	Diagnostics   Diagnostics    `json:"diagnostics"`
	Status        ProposalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
	DecidedBy     string         `json:"decided_by,omitempty"`
	DecisionNote  string         `json:"decision_note,omitempty"`
}

// AuditEntry is one append-only record of a workflow action.
type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ProposalID string    `json:"proposal_id,omitempty"`
	VersionID  string    `json:"version_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Audit actions.
const (
	ActionBootstrap      = "bootstrap"
	ActionProposalCreate = "proposal_created"
	ActionApprove        = "approved"
	ActionReject         = "rejected"
)

// Store is the parameter versioning interface. Implementations must make
// Approve atomic: version creation, active-pointer move, proposal status
// and audit entry commit together or not at all.
type Store interface {
	// Bootstrap installs the initial parameter version. Fails with
	// ErrAlreadyExists when any version is already present.
	Bootstrap(set ParameterSet, actor string) error

	// ActiveSet returns the currently active parameter version.
	ActiveSet() (*ParameterSet, error)

	// GetSet returns a parameter version by ID.
	GetSet(versionID string) (*ParameterSet, error)

	// ListSets returns all versions ordered by creation time ascending.
	ListSets() ([]*ParameterSet, error)

	// CreateProposal stores a new PENDING proposal.
	CreateProposal(p *Proposal) error

	// GetProposal returns a proposal by ID.
	GetProposal(id string) (*Proposal, error)

	// ListProposals returns proposals, optionally filtered by status
	// (empty status means all), ordered by creation time ascending.
	ListProposals(status ProposalStatus) ([]*Proposal, error)

	// Approve transitions a PENDING proposal to APPROVED, creates the new
	// version and moves the active pointer. Returns ErrStaleBaseVersion
	// when the active version no longer matches the proposal's base, and
	// ErrProposalDecided when the proposal already left PENDING.
	Approve(proposalID, actor, note string) (*ParameterSet, error)

	// Reject transitions a PENDING proposal to REJECTED.
	Reject(proposalID, actor, note string) error

	// ListAudit returns the audit log ordered by timestamp ascending.
	ListAudit() ([]*AuditEntry, error)

	// PutEstimates persists a daily state-estimate snapshot, replacing any
	// prior entry for the same date.
	PutEstimates(estimates []series.StateEstimate) error

	// GetEstimates returns persisted estimates in [from, to] inclusive,
	// ordered by date.
	GetEstimates(from, to time.Time) ([]series.StateEstimate, error)

	// Close releases resources. Operations after Close return
	// ErrStoreClosed.
	Close() error
}

// NewVersionID returns a fresh parameter version identifier.
func NewVersionID(now time.Time) string {
	return fmt.Sprintf("v%s-%s", now.UTC().Format("20060102"), uuid.NewString()[:8])
}

// NewProposalID returns a fresh proposal identifier.
func NewProposalID() string {
	return uuid.NewString()
}
