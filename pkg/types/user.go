package types

import "time"

// UserRole represents the different user roles in the system
type UserRole string

const (
	RolePatient UserRole = "patient"
	RoleDoctor  UserRole = "doctor"
	RoleAdmin   UserRole = "admin"
)

// Valid reports whether r is a known role
func (r UserRole) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleAdmin
}

// User is a login identity in the credential store. SubjectID links a doctor
// or patient login to its directory record.
type User struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         UserRole  `json:"role" db:"role"`
	SubjectID    string    `json:"subjectId,omitempty" db:"subject_id"`
	IsActive     bool      `json:"isActive" db:"is_active"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Credentials represents user login credentials
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is the explicit per-login context handed to every request handler.
// It is created at login and removed at logout.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Role      UserRole  `json:"role"`
	SubjectID string    `json:"subjectId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// IsAdmin reports whether the session holds the admin role
func (s *Session) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

// ActsFor reports whether the session may act on behalf of the given doctor
// or patient record. Admins act for everyone.
func (s *Session) ActsFor(subjectID string) bool {
	if s == nil {
		return false
	}
	return s.Role == RoleAdmin || (subjectID != "" && s.SubjectID == subjectID)
}

// AuthToken represents authentication token response
type AuthToken struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresIn   int64     `json:"expiresIn"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// LoginResponse pairs the new session with its bearer token
type LoginResponse struct {
	Session *Session   `json:"session"`
	Token   *AuthToken `json:"token"`
}
