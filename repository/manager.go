package repository

import (
	"context"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-onboard"
)

// Manager groups the stores used by the onboarding flow.
type Manager struct {
	db       *bun.DB
	profiles *ProfileRepository
	pending  onboard.PendingStore
}

// NewManager builds a Manager. A nil redis client selects the in memory
// pending store.
func NewManager(db *bun.DB, client redis.UniversalClient, opts ...RedisPendingOption) *Manager {
	m := &Manager{
		db:       db,
		profiles: NewProfileRepository(db),
	}
	if client != nil {
		m.pending = NewRedisPendingStore(client, opts...)
	} else {
		m.pending = onboard.NewMemoryPendingStore()
	}
	return m
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}

	if m.profiles == nil {
		return errors.New("repository profiles should be initialized")
	}

	if m.pending == nil {
		return errors.New("repository pending should be initialized")
	}

	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

// Migrate creates the tables owned by the manager.
func (m *Manager) Migrate(ctx context.Context) error {
	return m.profiles.CreateTable(ctx)
}

func (m *Manager) Profiles() *ProfileRepository {
	return m.profiles
}

func (m *Manager) Pending() onboard.PendingStore {
	return m.pending
}
