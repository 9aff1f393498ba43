package interfaces

import (
	"context"
	"time"

	"github.com/medrex/opd-queue/pkg/types"
)

// QueueService defines the token issuance and visit workflow
type QueueService interface {
	// Token issuance
	IssueToken(ctx context.Context, doctorID, patientID string) (*types.Token, error)
	GetToken(ctx context.Context, tokenID string) (*types.Token, error)
	ListTokens(ctx context.Context, filters *types.TokenFilters) ([]*types.Token, error)

	// Queue advancement
	CallNext(ctx context.Context, session *types.Session, doctorID string) (*types.Token, error)
	StartVisit(ctx context.Context, session *types.Session, tokenID string) (*types.Token, error)
	CompleteVisit(ctx context.Context, session *types.Session, tokenID string, rx *types.Prescription) (*types.Token, *types.HistoryRecord, error)
	SkipVisit(ctx context.Context, session *types.Session, tokenID string) (*types.Token, error)

	// Views
	GetQueue(ctx context.Context, doctorID, date string) (*types.QueueView, error)
	SessionStats(sessionID string) *types.SessionStats
	ForgetSession(sessionID string)
}

// QueueRepository defines token persistence. Implementations own the
// atomicity of number reservation and of the single In-Progress rule.
type QueueRepository interface {
	// IssueToken reserves the next number for (token.DoctorID, token.Date)
	// and persists the token, or fails with a LimitExceeded error when the
	// day already holds limit tokens.
	IssueToken(ctx context.Context, token *types.Token, limit int) (*types.Token, error)
	GetToken(ctx context.Context, id string) (*types.Token, error)
	ListTokens(ctx context.Context, filters *types.TokenFilters) ([]*types.Token, error)

	// GetInProgress returns the doctor's In-Progress token, or nil when none.
	GetInProgress(ctx context.Context, doctorID string) (*types.Token, error)

	// ClaimNext moves the first Pending token of the day to In-Progress.
	// Returns nil when the queue has no Pending token.
	ClaimNext(ctx context.Context, doctorID, date string, startedAt time.Time) (*types.Token, error)
	StartToken(ctx context.Context, id string, startedAt time.Time) (*types.Token, error)

	// CompleteToken finishes an In-Progress token and appends record in the
	// same atomic step.
	CompleteToken(ctx context.Context, id string, finishedAt time.Time, record *types.HistoryRecord) (*types.Token, error)
	SkipToken(ctx context.Context, id string, finishedAt time.Time) (*types.Token, error)
}
