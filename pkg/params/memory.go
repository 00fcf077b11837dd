package params

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
// All operations are thread-safe.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	sets      map[string]*ParameterSet
	activeID  string
	proposals map[string]*Proposal
	audit     []*AuditEntry
	estimates map[string]series.StateEstimate // keyed by YYYY-MM-DD

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:      make(map[string]*ParameterSet),
		proposals: make(map[string]*Proposal),
		estimates: make(map[string]series.StateEstimate),
		now:       time.Now,
	}
}

func (s *MemoryStore) Bootstrap(set ParameterSet, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if len(s.sets) > 0 {
		return ErrAlreadyExists
	}
	if set.VersionID == "" {
		set.VersionID = NewVersionID(s.now())
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = s.now()
	}
	cp := set
	s.sets[set.VersionID] = &cp
	s.activeID = set.VersionID
	s.appendAuditLocked(actor, ActionBootstrap, "", set.VersionID, set.Notes)
	return nil
}

func (s *MemoryStore) ActiveSet() (*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if s.activeID == "" {
		return nil, ErrNoActiveVersion
	}
	cp := *s.sets[s.activeID]
	return &cp, nil
}

func (s *MemoryStore) GetSet(versionID string) (*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	set, ok := s.sets[versionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *set
	return &cp, nil
}

func (s *MemoryStore) ListSets() ([]*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*ParameterSet, 0, len(s.sets))
	for _, set := range s.sets {
		cp := *set
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateProposal(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if p.ID == "" {
		p.ID = NewProposalID()
	}
	if _, ok := s.proposals[p.ID]; ok {
		return ErrAlreadyExists
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	cp := *p
	s.proposals[p.ID] = &cp
	s.appendAuditLocked("system", ActionProposalCreate, p.ID, p.BaseVersionID, "")
	return nil
}

func (s *MemoryStore) GetProposal(id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProposals(status ProposalStatus) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if status != "" && p.Status != status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Approve(proposalID, actor, note string) (*ParameterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Status != StatusPending {
		return nil, ErrProposalDecided
	}
	if p.BaseVersionID != s.activeID {
		return nil, ErrStaleBaseVersion
	}

	now := s.now()
	newSet := p.Proposed
	if newSet.VersionID == "" {
		newSet.VersionID = NewVersionID(now)
	}
	newSet.CreatedAt = now
	newSet.ApprovedBy = actor
	if _, exists := s.sets[newSet.VersionID]; exists {
		return nil, ErrAlreadyExists
	}

	cp := newSet
	s.sets[newSet.VersionID] = &cp
	// Close out the superseded version.
	if prev, ok := s.sets[p.BaseVersionID]; ok {
		end := now
		prev.EffectiveEnd = &end
	}
	s.activeID = newSet.VersionID
	p.Status = StatusApproved
	p.DecidedAt = &now
	p.DecidedBy = actor
	p.DecisionNote = note
	s.appendAuditLocked(actor, ActionApprove, proposalID, newSet.VersionID, note)

	out := newSet
	return &out, nil
}

func (s *MemoryStore) Reject(proposalID, actor, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	p, ok := s.proposals[proposalID]
	if !ok {
		return ErrNotFound
	}
	if p.Status != StatusPending {
		return ErrProposalDecided
	}
	now := s.now()
	p.Status = StatusRejected
	p.DecidedAt = &now
	p.DecidedBy = actor
	p.DecisionNote = note
	s.appendAuditLocked(actor, ActionReject, proposalID, p.BaseVersionID, note)
	return nil
}

func (s *MemoryStore) ListAudit() ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*AuditEntry, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) PutEstimates(estimates []series.StateEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	for _, est := range estimates {
		s.estimates[est.Date.Format(series.DayFormat)] = est
	}
	return nil
}

func (s *MemoryStore) GetEstimates(from, to time.Time) ([]series.StateEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	lo := series.Day(from)
	hi := series.Day(to)
	var out []series.StateEstimate
	for _, est := range s.estimates {
		d := series.Day(est.Date)
		if d.Before(lo) || d.After(hi) {
			continue
		}
		out = append(out, est)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// appendAuditLocked assumes s.mu is held for writing.
func (s *MemoryStore) appendAuditLocked(actor, action, proposalID, versionID, detail string) {
	s.audit = append(s.audit, &AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  s.now(),
		Actor:      actor,
		Action:     action,
		ProposalID: proposalID,
		VersionID:  versionID,
		Detail:     detail,
	})
}
