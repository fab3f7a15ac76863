// Package memory provides the role-scoped memory store behind the memory
// system tools. The gateway core only needs key/value saves and substring
// search; richer backends plug in through the Store interface.
package memory

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/warden/internal/skills"
)

// Item is one saved memory.
type Item struct {
	Role      string    `json:"role"`
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	SavedAt   time.Time `json:"savedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the persistence interface the gateway consumes.
type Store interface {
	Save(role, key, content string) error
	Recall(roles []string, query string) ([]*Item, error)
	List(roles []string) ([]*Item, error)
}

// ScopeRoles expands a role's memory grant into the set of stores it may
// read. A nil result means every store.
func ScopeRoles(role string, grant skills.MemoryGrant) []string {
	switch grant.Level {
	case skills.MemoryAll:
		return nil
	case skills.MemoryTeam:
		roles := []string{role}
		for _, tr := range grant.TeamRoles {
			if tr != role {
				roles = append(roles, tr)
			}
		}
		return roles
	default:
		return []string{role}
	}
}

// InMemoryStore keeps memories in a map, keyed by role then key.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*Item
	now   func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items: make(map[string]map[string]*Item),
		now:   time.Now,
	}
}

// Save writes or overwrites one memory under the role's store.
func (s *InMemoryStore) Save(role, key, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey, ok := s.items[role]
	if !ok {
		byKey = make(map[string]*Item)
		s.items[role] = byKey
	}
	now := s.now()
	if existing, ok := byKey[key]; ok {
		existing.Content = content
		existing.UpdatedAt = now
		return nil
	}
	byKey[key] = &Item{Role: role, Key: key, Content: content, SavedAt: now, UpdatedAt: now}
	return nil
}

// Recall searches the given stores (nil = all) for the query as a
// case-insensitive substring of the key or content.
func (s *InMemoryStore) Recall(roles []string, query string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(query)
	var out []*Item
	for _, item := range s.scoped(roles) {
		if strings.Contains(strings.ToLower(item.Key), needle) ||
			strings.Contains(strings.ToLower(item.Content), needle) {
			out = append(out, item)
		}
	}
	sortItems(out)
	return out, nil
}

// List returns every memory in the given stores (nil = all).
func (s *InMemoryStore) List(roles []string) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.scoped(roles)
	sortItems(out)
	return out, nil
}

// scoped collects items from the named stores. Callers hold s.mu.
func (s *InMemoryStore) scoped(roles []string) []*Item {
	var out []*Item
	if roles == nil {
		for _, byKey := range s.items {
			for _, item := range byKey {
				out = append(out, item)
			}
		}
		return out
	}
	for _, role := range roles {
		for _, item := range s.items[role] {
			out = append(out, item)
		}
	}
	return out
}

func sortItems(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Role != items[j].Role {
			return items[i].Role < items[j].Role
		}
		return items[i].Key < items[j].Key
	})
}
