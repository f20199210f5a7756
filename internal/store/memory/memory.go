package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fiscalpos/backend/internal/domain"
	"fiscalpos/backend/internal/store"
)

// Store keeps ledgers, the reporting queue and operator accounts in memory.
// Each device ledger carries its own lock; the device maps are only locked
// for lookup and insertion.
type Store struct {
	mu      sync.RWMutex
	ledgers map[string]*deviceLedger

	queueMu      sync.RWMutex
	entriesByID  map[string]*domain.QueueEntry
	entriesByKey map[string]string
	attempts     map[string][]domain.SyncAttempt
	holds        map[string]domain.DeviceHold

	usersMu         sync.RWMutex
	usersByUsername map[string]domain.UserAccount
}

type SeedUser struct {
	Username string
	Password string
	Role     string
}

func New() *Store {
	return &Store{
		ledgers:         make(map[string]*deviceLedger),
		entriesByID:     make(map[string]*domain.QueueEntry),
		entriesByKey:    make(map[string]string),
		attempts:        make(map[string][]domain.SyncAttempt),
		holds:           make(map[string]domain.DeviceHold),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded builds a store with bcrypt-hashed operator accounts.
func NewSeeded(users ...SeedUser) (*Store, error) {
	s := New()
	now := time.Now().UTC()
	for _, u := range users {
		if strings.TrimSpace(u.Username) == "" || u.Password == "" {
			continue
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.Username, err)
		}
		s.usersByUsername[u.Username] = domain.UserAccount{
			Username:  u.Username,
			Password:  string(hash),
			Role:      u.Role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return s, nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) PutUser(_ context.Context, user domain.UserAccount) error {
	if strings.TrimSpace(user.Username) == "" {
		return fmt.Errorf("username is required")
	}
	s.usersMu.Lock()
	defer s.usersMu.Unlock()
	s.usersByUsername[user.Username] = user
	return nil
}
