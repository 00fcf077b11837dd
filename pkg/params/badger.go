package params

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Markrhill/health-agentic-workflow-mvp/pkg/series"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixVersion  = byte(0x01) // version:versionID -> JSON(ParameterSet)
	prefixActive   = byte(0x02) // active -> versionID (single key)
	prefixProposal = byte(0x03) // proposal:proposalID -> JSON(Proposal)
	prefixAudit    = byte(0x04) // audit:rfc3339nano:uuid -> JSON(AuditEntry)
	prefixEstimate = byte(0x05) // estimate:YYYY-MM-DD -> JSON(StateEstimate)
)

// BadgerStore is the persistent Store backed by BadgerDB.
//
// Key structure:
//   - Versions:  0x01 + versionID -> JSON(ParameterSet)
//   - Active:    0x02 -> versionID
//   - Proposals: 0x03 + proposalID -> JSON(Proposal)
//   - Audit:     0x04 + timestamp + uuid -> JSON(AuditEntry)
//   - Estimates: 0x05 + date -> JSON(StateEstimate)
//
// Approve runs as a single badger transaction: the staleness and status
// checks, the new version write, the active-pointer move, the proposal
// update and the audit entry all commit atomically.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
	log    *logrus.Entry

	now func() time.Time
}

// NewBadgerStore opens (or creates) a persistent store at path. An empty
// path opens an in-memory instance, useful for tests that want the real
// transaction semantics.
func NewBadgerStore(path string, log *logrus.Logger) (*BadgerStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("params: open badger at %q: %w", path, err)
	}
	return &BadgerStore{
		db:  db,
		log: log.WithField("component", "params"),
		now: time.Now,
	}, nil
}

func versionKey(id string) []byte  { return append([]byte{prefixVersion}, id...) }
func proposalKey(id string) []byte { return append([]byte{prefixProposal}, id...) }
func activeKey() []byte            { return []byte{prefixActive} }
func estimateKey(d time.Time) []byte {
	return append([]byte{prefixEstimate}, d.Format(series.DayFormat)...)
}
// auditKeyLayout is fixed-width so keys sort chronologically; RFC3339Nano
// trims trailing zeros and would break lexicographic order.
const auditKeyLayout = "2006-01-02T15:04:05.000000000Z"

func auditKey(ts time.Time) []byte {
	k := append([]byte{prefixAudit}, ts.UTC().Format(auditKeyLayout)...)
	return append(k, uuid.NewString()[:8]...)
}

func (s *BadgerStore) Bootstrap(set ParameterSet, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if set.VersionID == "" {
		set.VersionID = NewVersionID(s.now())
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = s.now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		// Any existing version blocks bootstrap.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixVersion}})
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			return ErrAlreadyExists
		}
		if err := setJSON(txn, versionKey(set.VersionID), set); err != nil {
			return err
		}
		if err := txn.Set(activeKey(), []byte(set.VersionID)); err != nil {
			return err
		}
		return s.writeAudit(txn, actor, ActionBootstrap, "", set.VersionID, set.Notes)
	})
}

func (s *BadgerStore) ActiveSet() (*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var set ParameterSet
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getBytes(txn, activeKey())
		if err == badger.ErrKeyNotFound {
			return ErrNoActiveVersion
		}
		if err != nil {
			return err
		}
		return getJSON(txn, versionKey(string(id)), &set)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *BadgerStore) GetSet(versionID string) (*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var set ParameterSet
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, versionKey(versionID), &set)
	})
	if err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *BadgerStore) ListSets() ([]*ParameterSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*ParameterSet
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixVersion, func(raw []byte) error {
			var set ParameterSet
			if err := json.Unmarshal(raw, &set); err != nil {
				return err
			}
			out = append(out, &set)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BadgerStore) CreateProposal(p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if p.ID == "" {
		p.ID = NewProposalID()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(proposalKey(p.ID)); err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := setJSON(txn, proposalKey(p.ID), p); err != nil {
			return err
		}
		return s.writeAudit(txn, "system", ActionProposalCreate, p.ID, p.BaseVersionID, "")
	})
}

func (s *BadgerStore) GetProposal(id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var p Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, proposalKey(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BadgerStore) ListProposals(status ProposalStatus) ([]*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Proposal
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixProposal, func(raw []byte) error {
			var p Proposal
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			if status != "" && p.Status != status {
				return nil
			}
			out = append(out, &p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *BadgerStore) Approve(proposalID, actor, note string) (*ParameterSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var result ParameterSet
	err := s.db.Update(func(txn *badger.Txn) error {
		var p Proposal
		if err := getJSON(txn, proposalKey(proposalID), &p); err != nil {
			return err
		}
		if p.Status != StatusPending {
			return ErrProposalDecided
		}
		activeID, err := getBytes(txn, activeKey())
		if err == badger.ErrKeyNotFound {
			return ErrNoActiveVersion
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(activeID, []byte(p.BaseVersionID)) {
			return ErrStaleBaseVersion
		}

		now := s.now()
		newSet := p.Proposed
		if newSet.VersionID == "" {
			newSet.VersionID = NewVersionID(now)
		}
		newSet.CreatedAt = now
		newSet.ApprovedBy = actor

		p.Status = StatusApproved
		p.DecidedAt = &now
		p.DecidedBy = actor
		p.DecisionNote = note

		if err := setJSON(txn, versionKey(newSet.VersionID), newSet); err != nil {
			return err
		}
		// Close out the superseded version in the same transaction.
		var prev ParameterSet
		if err := getJSON(txn, versionKey(p.BaseVersionID), &prev); err != nil {
			return err
		}
		prev.EffectiveEnd = &now
		if err := setJSON(txn, versionKey(prev.VersionID), prev); err != nil {
			return err
		}
		if err := txn.Set(activeKey(), []byte(newSet.VersionID)); err != nil {
			return err
		}
		if err := setJSON(txn, proposalKey(p.ID), p); err != nil {
			return err
		}
		if err := s.writeAudit(txn, actor, ActionApprove, p.ID, newSet.VersionID, note); err != nil {
			return err
		}
		result = newSet
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"proposal": proposalID,
		"version":  result.VersionID,
		"actor":    actor,
	}).Info("proposal approved")
	return &result, nil
}

func (s *BadgerStore) Reject(proposalID, actor, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		var p Proposal
		if err := getJSON(txn, proposalKey(proposalID), &p); err != nil {
			return err
		}
		if p.Status != StatusPending {
			return ErrProposalDecided
		}
		now := s.now()
		p.Status = StatusRejected
		p.DecidedAt = &now
		p.DecidedBy = actor
		p.DecisionNote = note
		if err := setJSON(txn, proposalKey(p.ID), p); err != nil {
			return err
		}
		return s.writeAudit(txn, actor, ActionReject, p.ID, p.BaseVersionID, note)
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"proposal": proposalID,
		"actor":    actor,
	}).Info("proposal rejected")
	return nil
}

func (s *BadgerStore) ListAudit() ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, prefixAudit, func(raw []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, &e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Audit keys embed a fixed-width timestamp, so iteration order is
	// already chronological within the nanosecond resolution.
	return out, nil
}

func (s *BadgerStore) PutEstimates(estimates []series.StateEstimate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, est := range estimates {
		raw, err := json.Marshal(est)
		if err != nil {
			return err
		}
		if err := wb.Set(estimateKey(est.Date), raw); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerStore) GetEstimates(from, to time.Time) ([]series.StateEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	lo := string(estimateKey(from))
	hi := string(estimateKey(to))
	var out []series.StateEstimate
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefixEstimate}})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := string(it.Item().Key())
			if k < lo || k > hi {
				continue
			}
			var est series.StateEstimate
			if err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &est)
			}); err != nil {
				return err
			}
			out = append(out, est)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BadgerStore) writeAudit(txn *badger.Txn, actor, action, proposalID, versionID, detail string) error {
	ts := s.now()
	return setJSON(txn, auditKey(ts), AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  ts,
		Actor:      actor,
		Action:     action,
		ProposalID: proposalID,
		VersionID:  versionID,
		Detail:     detail,
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("params: marshal: %w", err)
	}
	return txn.Set(key, raw)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, v)
	})
}

func getBytes(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func scanJSON(txn *badger.Txn, prefix byte, fn func(raw []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte{prefix}})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
