package storage

import (
	"context"

	"github.com/marketflow/signalbridge/internal/models"
)

// Interface defines the contract for strategy, mapping and position
// persistence plus the per-user broker credential lookup.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple
// goroutines.
type Interface interface {
	// Strategy management
	CreateStrategy(ctx context.Context, s *models.Strategy) error
	GetStrategy(ctx context.Context, id int64) (*models.Strategy, error)
	GetStrategyByToken(ctx context.Context, token string) (*models.Strategy, error)
	ListStrategies(ctx context.Context, userID string) ([]models.Strategy, error)
	ListActiveStrategies(ctx context.Context) ([]models.Strategy, error)
	UpdateStrategy(ctx context.Context, s *models.Strategy) error
	// DeleteStrategy removes the strategy and cascades to its mappings
	// and positions.
	DeleteStrategy(ctx context.Context, id int64) error

	// Symbol mappings
	AddMapping(ctx context.Context, m *models.SymbolMapping) error
	AddMappings(ctx context.Context, strategyID int64, ms []models.SymbolMapping) error
	ListMappings(ctx context.Context, strategyID int64) ([]models.SymbolMapping, error)
	DeleteMapping(ctx context.Context, id int64) error

	// Positions
	CreatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, id int64) (*models.Position, error)
	ListPositions(ctx context.Context, strategyID int64) ([]models.Position, error)
	ListActivePositions(ctx context.Context, strategyID int64) ([]models.Position, error)
	UpdatePosition(ctx context.Context, p *models.Position) error

	// Credential lookup
	APIKeyFor(ctx context.Context, userID string) (string, error)
}

// Ensure SQLiteStore implements Interface.
var _ Interface = (*SQLiteStore)(nil)
