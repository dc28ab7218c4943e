package onboard

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

// ApprovalStatus is the administrative state of a profile.
type ApprovalStatus string

const (
	StatusPending ApprovalStatus = "PENDING"
	StatusActive  ApprovalStatus = "ACTIVE"
)

// IsValid reports whether the status is known
func (s ApprovalStatus) IsValid() bool {
	return s == StatusPending || s == StatusActive
}

// Profile is the organization record paired 1:1 with an identity.
type Profile struct {
	bun.BaseModel `bun:"table:profiles,alias:prf"`
	ID            string         `bun:"id,pk" json:"id"`
	Name          string         `bun:"name,notnull" json:"name"`
	Email         string         `bun:"email,notnull,unique" json:"email"`
	Phone         string         `bun:"phone" json:"phone"`
	Department    string         `bun:"department,notnull" json:"department"`
	Role          Role           `bun:"role,notnull" json:"role"`
	Status        ApprovalStatus `bun:"status,notnull" json:"status"`
	RegisteredAt  time.Time      `bun:"registered_at,notnull" json:"registeredAt"`
	ApprovedAt    *time.Time     `bun:"approved_at,nullzero" json:"approvedAt,omitempty"`
	ApprovedBy    string         `bun:"approved_by" json:"approvedBy,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ApprovedAt != nil {
		t := *p.ApprovedAt
		cp.ApprovedAt = &t
	}
	return &cp
}

// ProfileInput carries the verified signup data used to create a profile.
type ProfileInput struct {
	Name       string
	Email      string
	Phone      string
	Department string
	Role       Role
}

// StatusChange describes a conditional status update.
type StatusChange struct {
	From  ApprovalStatus
	To    ApprovalStatus
	Actor ActorRef
	At    time.Time
}

// ProfileStore persists profiles.
type ProfileStore interface {
	// Create returns ErrProvider wrapped errors on conflicts
	Create(ctx context.Context, profile *Profile) (*Profile, error)
	// GetByID returns ErrProfileNotFound when absent
	GetByID(ctx context.Context, id string) (*Profile, error)
	// UpdateStatus applies change only while the stored status equals
	// change.From, otherwise it returns ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, change StatusChange) (*Profile, error)
	ListByStatus(ctx context.Context, status ApprovalStatus) ([]*Profile, error)
}

// MemoryProfileStore is a process local ProfileStore.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryProfileStore creates an empty store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{profiles: make(map[string]*Profile)}
}

func (s *MemoryProfileStore) Create(ctx context.Context, profile *Profile) (*Profile, error) {
	if profile == nil || profile.ID == "" {
		return nil, Annotate(ErrValidation, "profile id required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[profile.ID]; ok {
		return nil, Annotate(ErrProvider, "profile already exists", map[string]any{"id": profile.ID})
	}
	s.profiles[profile.ID] = profile.Clone()
	return profile.Clone(), nil
}

func (s *MemoryProfileStore) GetByID(ctx context.Context, id string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryProfileStore) UpdateStatus(ctx context.Context, id string, change StatusChange) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}
	if p.Status != change.From {
		return nil, Annotate(ErrInvalidTransition, "", map[string]any{
			"from":    change.From,
			"to":      change.To,
			"current": p.Status,
		})
	}

	p.Status = change.To
	if change.To == StatusActive {
		at := change.At
		p.ApprovedAt = &at
		p.ApprovedBy = change.Actor.ID
	}
	return p.Clone(), nil
}

func (s *MemoryProfileStore) ListByStatus(ctx context.Context, status ApprovalStatus) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0)
	for _, p := range s.profiles {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}
