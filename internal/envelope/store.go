package envelope

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/k1networth/signdesk-lite/internal/audit"
	"github.com/k1networth/signdesk-lite/internal/shared/events"
)

// Change is what a mutation wants committed alongside the new envelope
// state: audit entries and outbox messages. The store persists all of it in
// one atomic unit; if the audit append fails the whole mutation rolls back.
type Change struct {
	Audit  []audit.Event
	Events []events.Message
}

type ListFilter struct {
	OwnerID string
	Status  string
	Limit   int
	Offset  int
}

type Store interface {
	// Create persists a new DRAFT envelope together with its CREATED audit
	// entry.
	Create(ctx context.Context, env Envelope, c Change) (Envelope, error)

	Get(ctx context.Context, id string) (Envelope, error)
	GetByToken(ctx context.Context, token string) (Envelope, error)
	List(ctx context.Context, f ListFilter) ([]Envelope, int, error)

	// ListExpireDue returns ids of DRAFT/SENT envelopes past their expiry.
	ListExpireDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Update runs mutate under the envelope's mutual-exclusion scope and
	// commits the returned Change atomically with the state write. A nil
	// Change means no state was touched (pure no-op).
	Update(ctx context.Context, id string, mutate func(env *Envelope) (*Change, error)) (Envelope, error)

	// CommitSeal is the compare-and-set that finishes the sealing pipeline:
	// it only applies when the envelope is still SENT, fully signed, and has
	// no sealed document yet. Returns won=false when another run got there
	// first or the envelope terminated meanwhile.
	CommitSeal(ctx context.Context, id, sealedKey string, at time.Time, c Change) (Envelope, bool, error)
}

// AuditAppender is the write half of the trail the store commits alongside
// each mutation. audit.MemoryLog satisfies it.
type AuditAppender interface {
	Append(ctx context.Context, events ...audit.Event) error
}

// InMemoryStore keeps everything in process. One mutex guards the maps;
// mutations and their audit/outbox writes happen inside the critical
// section, which gives the same atomicity the postgres store gets from a
// transaction.
type InMemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Envelope
	byToken map[string]string
	audit   AuditAppender
	outbox  []events.Message
}

func NewInMemoryStore(log AuditAppender) *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]*Envelope),
		byToken: make(map[string]string),
		audit:   log,
	}
}

func (s *InMemoryStore) Create(ctx context.Context, env Envelope, c Change) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env.Version = 1
	// Audit first: nothing is indexed until the trail write succeeds, so a
	// failed create leaves no id or token entries behind.
	if err := s.audit.Append(ctx, c.Audit...); err != nil {
		return Envelope{}, err
	}
	cp := env.clone()
	s.byID[env.ID] = &cp
	for _, sg := range env.Signers {
		s.byToken[sg.Token] = env.ID
	}
	s.outbox = append(s.outbox, c.Events...)
	return env, nil
}

func (s *InMemoryStore) Get(ctx context.Context, id string) (Envelope, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.byID[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return env.clone(), nil
}

func (s *InMemoryStore) GetByToken(ctx context.Context, token string) (Envelope, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byToken[token]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	env, ok := s.byID[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return env.clone(), nil
}

func (s *InMemoryStore) List(ctx context.Context, f ListFilter) ([]Envelope, int, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []Envelope
	for _, env := range s.byID {
		if f.OwnerID != "" && env.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && env.Status != f.Status {
			continue
		}
		all = append(all, env.clone())
	}
	sortByCreatedDesc(all)

	total := len(all)
	if f.Offset > 0 {
		if f.Offset >= len(all) {
			all = nil
		} else {
			all = all[f.Offset:]
		}
	}
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func (s *InMemoryStore) ListExpireDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, env := range s.byID {
		if env.Status != StatusDraft && env.Status != StatusSent {
			continue
		}
		if now.After(env.ExpiresAt) {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) Update(ctx context.Context, id string, mutate func(env *Envelope) (*Change, error)) (Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[id]
	if !ok {
		return Envelope{}, ErrNotFound
	}

	work := stored.clone()
	change, err := mutate(&work)
	if err != nil {
		return Envelope{}, err
	}
	if change == nil {
		return work, nil
	}

	if err := s.audit.Append(ctx, change.Audit...); err != nil {
		return Envelope{}, err
	}
	work.Version++
	cp := work.clone()
	s.byID[id] = &cp
	s.outbox = append(s.outbox, change.Events...)
	return work, nil
}

func (s *InMemoryStore) CommitSeal(ctx context.Context, id, sealedKey string, at time.Time, c Change) (Envelope, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[id]
	if !ok {
		return Envelope{}, false, ErrNotFound
	}
	if stored.Status != StatusSent || stored.SealedDocKey != "" || !stored.AllSigned() {
		return stored.clone(), false, nil
	}

	work := stored.clone()
	work.SealedDocKey = sealedKey
	work.Status = StatusCompleted
	completed := at
	work.CompletedAt = &completed
	work.UpdatedAt = at

	if err := s.audit.Append(ctx, c.Audit...); err != nil {
		return Envelope{}, false, err
	}
	work.Version++
	cp := work.clone()
	s.byID[id] = &cp
	s.outbox = append(s.outbox, c.Events...)
	return work, true, nil
}

// OutboxMessages returns every message enqueued so far, oldest first.
// Tests use it to assert on emitted notify intents.
func (s *InMemoryStore) OutboxMessages() []events.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]events.Message, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (e *Envelope) clone() Envelope {
	cp := *e
	cp.Signers = make([]Signer, len(e.Signers))
	copy(cp.Signers, e.Signers)
	cp.Fields = make([]SignatureField, len(e.Fields))
	copy(cp.Fields, e.Fields)
	return cp
}

func sortByCreatedDesc(envs []Envelope) {
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].CreatedAt.After(envs[j].CreatedAt)
	})
}
