package identity

import (
	"context"
	"sort"
	"sync"
)

// AccountStore persists accounts. Get and GetByUsername return
// ErrAccountNotFound for unknown keys; Create returns ErrUsernameTaken when
// the username is in use.
type AccountStore interface {
	Create(ctx context.Context, acct Account) error
	Get(ctx context.Context, id string) (Account, error)
	GetByUsername(ctx context.Context, username string) (Account, error)
	Update(ctx context.Context, acct Account) error
	List(ctx context.Context) ([]Account, error)
}

// MemoryAccountStore is a map-backed AccountStore.
type MemoryAccountStore struct {
	mu         sync.RWMutex
	byID       map[string]Account
	byUsername map[string]string
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		byID:       map[string]Account{},
		byUsername: map[string]string{},
	}
}

func (m *MemoryAccountStore) Create(_ context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUsername[acct.Username]; ok {
		return ErrUsernameTaken
	}
	m.byID[acct.ID] = acct.clone()
	m.byUsername[acct.Username] = acct.ID
	return nil
}

func (m *MemoryAccountStore) Get(_ context.Context, id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byID[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct.clone(), nil
}

func (m *MemoryAccountStore) GetByUsername(ctx context.Context, username string) (Account, error) {
	m.mu.RLock()
	id, ok := m.byUsername[username]
	m.mu.RUnlock()
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryAccountStore) Update(_ context.Context, acct Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[acct.ID]; !ok {
		return ErrAccountNotFound
	}
	m.byID[acct.ID] = acct.clone()
	return nil
}

func (m *MemoryAccountStore) List(_ context.Context) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
