package interfaces

import (
	"context"

	"github.com/medrex/opd-queue/pkg/types"
)

// HistoryService defines the patient history operations
type HistoryService interface {
	AddHistory(ctx context.Context, record *types.HistoryRecord) (*types.HistoryRecord, error)
	GetHistory(ctx context.Context, id string) (*types.HistoryRecord, error)
	ListHistory(ctx context.Context, filters *types.HistoryFilters) ([]*types.HistoryRecord, error)
	UpdateHistory(ctx context.Context, session *types.Session, id string, record *types.HistoryRecord) (*types.HistoryRecord, error)
	DeleteHistory(ctx context.Context, session *types.Session, id string) error
}

// HistoryRepository defines the interface for history persistence
type HistoryRepository interface {
	CreateHistory(ctx context.Context, record *types.HistoryRecord) error
	GetHistoryByID(ctx context.Context, id string) (*types.HistoryRecord, error)
	ListHistory(ctx context.Context, filters *types.HistoryFilters) ([]*types.HistoryRecord, error)
	ReplaceHistory(ctx context.Context, record *types.HistoryRecord) error
	DeleteHistory(ctx context.Context, id string) error
}
