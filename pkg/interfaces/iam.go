package interfaces

import (
	"context"

	"github.com/medrex/opd-queue/pkg/types"
)

// IAMService defines login, logout and session resolution
type IAMService interface {
	Login(ctx context.Context, credentials *types.Credentials) (*types.LoginResponse, error)
	Logout(ctx context.Context, sessionID string) error
	Authenticate(ctx context.Context, bearer string) (*types.Session, error)
	OnLogout(hook func(sessionID string))
}

// CredentialProvisioner creates login identities for directory records
type CredentialProvisioner interface {
	Provision(ctx context.Context, username, password string, role types.UserRole, subjectID string) (*types.User, error)
}

// UserRepository defines the interface for user data persistence
type UserRepository interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	GetUserByID(ctx context.Context, id string) (*types.User, error)
}

// SessionStore keeps live sessions between login and logout
type SessionStore interface {
	Save(ctx context.Context, session *types.Session) error
	Get(ctx context.Context, id string) (*types.Session, error)
	Delete(ctx context.Context, id string) error
}
