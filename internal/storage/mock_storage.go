package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marketflow/signalbridge/internal/models"
)

// MockStorage implements Interface in memory for testing.
type MockStorage struct {
	mu         sync.Mutex
	strategies map[int64]*models.Strategy
	mappings   map[int64]*models.SymbolMapping
	positions  map[int64]*models.Position
	apiKeys    map[string]string
	nextID     int64

	// CreatePositionErr forces CreatePosition to fail when set.
	CreatePositionErr error
}

// NewMockStorage creates an empty in-memory store for tests.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		strategies: make(map[int64]*models.Strategy),
		mappings:   make(map[int64]*models.SymbolMapping),
		positions:  make(map[int64]*models.Position),
		apiKeys:    make(map[string]string),
	}
}

// Ensure MockStorage implements Interface.
var _ Interface = (*MockStorage)(nil)

func (m *MockStorage) nextIDLocked() int64 {
	m.nextID++
	return m.nextID
}

// CreateStrategy stores a strategy and assigns it an ID.
func (m *MockStorage) CreateStrategy(_ context.Context, s *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextIDLocked()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

// GetStrategy returns a stored strategy by ID.
func (m *MockStorage) GetStrategy(_ context.Context, id int64) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// GetStrategyByToken returns a stored strategy by webhook token.
func (m *MockStorage) GetStrategyByToken(_ context.Context, token string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.strategies {
		if s.WebhookToken == token {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("strategy with token %s: %w", token, ErrNotFound)
}

// ListStrategies returns all strategies for a user.
func (m *MockStorage) ListStrategies(_ context.Context, userID string) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Strategy, 0)
	for _, s := range m.strategies {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

// ListActiveStrategies returns all active strategies.
func (m *MockStorage) ListActiveStrategies(_ context.Context) ([]models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Strategy, 0)
	for _, s := range m.strategies {
		if s.IsActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

// UpdateStrategy replaces a stored strategy.
func (m *MockStorage) UpdateStrategy(_ context.Context, s *models.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.ID]; !ok {
		return fmt.Errorf("strategy %d: %w", s.ID, ErrNotFound)
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	m.strategies[s.ID] = &cp
	return nil
}

// DeleteStrategy removes a strategy and cascades to mappings and positions.
func (m *MockStorage) DeleteStrategy(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[id]; !ok {
		return fmt.Errorf("strategy %d: %w", id, ErrNotFound)
	}
	delete(m.strategies, id)
	for mid, mp := range m.mappings {
		if mp.StrategyID == id {
			delete(m.mappings, mid)
		}
	}
	for pid, p := range m.positions {
		if p.StrategyID == id {
			delete(m.positions, pid)
		}
	}
	return nil
}

// AddMapping stores one symbol mapping.
func (m *MockStorage) AddMapping(_ context.Context, mp *models.SymbolMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp.ID = m.nextIDLocked()
	mp.CreatedAt = time.Now().UTC()
	cp := *mp
	m.mappings[mp.ID] = &cp
	return nil
}

// AddMappings stores multiple symbol mappings.
func (m *MockStorage) AddMappings(ctx context.Context, strategyID int64, ms []models.SymbolMapping) error {
	for i := range ms {
		ms[i].StrategyID = strategyID
		if err := m.AddMapping(ctx, &ms[i]); err != nil {
			return err
		}
	}
	return nil
}

// ListMappings returns mappings for a strategy ordered by ID.
func (m *MockStorage) ListMappings(_ context.Context, strategyID int64) ([]models.SymbolMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SymbolMapping, 0)
	for id := int64(1); id <= m.nextID; id++ {
		if mp, ok := m.mappings[id]; ok && mp.StrategyID == strategyID {
			out = append(out, *mp)
		}
	}
	return out, nil
}

// DeleteMapping removes one mapping.
func (m *MockStorage) DeleteMapping(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mappings[id]; !ok {
		return fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}
	delete(m.mappings, id)
	return nil
}

// CreatePosition stores a position and assigns it an ID.
func (m *MockStorage) CreatePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreatePositionErr != nil {
		return m.CreatePositionErr
	}
	p.ID = m.nextIDLocked()
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

// GetPosition returns a stored position by ID.
func (m *MockStorage) GetPosition(_ context.Context, id int64) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// ListPositions returns every position of a strategy ordered by ID.
func (m *MockStorage) ListPositions(_ context.Context, strategyID int64) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Position, 0)
	for id := int64(1); id <= m.nextID; id++ {
		if p, ok := m.positions[id]; ok && p.StrategyID == strategyID {
			out = append(out, *p)
		}
	}
	return out, nil
}

// ListActivePositions returns open positions of a strategy ordered by ID.
func (m *MockStorage) ListActivePositions(_ context.Context, strategyID int64) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Position, 0)
	for id := int64(1); id <= m.nextID; id++ {
		if p, ok := m.positions[id]; ok && p.StrategyID == strategyID && p.IsActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

// UpdatePosition replaces a stored position.
func (m *MockStorage) UpdatePosition(_ context.Context, p *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; !ok {
		return fmt.Errorf("position %d: %w", p.ID, ErrNotFound)
	}
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

// APIKeyFor returns the stored broker credential for a user.
func (m *MockStorage) APIKeyFor(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.apiKeys[userID]
	if !ok {
		return "", fmt.Errorf("user %s: %w", userID, ErrNoAPIKey)
	}
	return key, nil
}

// SetAPIKey stores a broker credential for a user.
func (m *MockStorage) SetAPIKey(userID, apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[userID] = apiKey
}
