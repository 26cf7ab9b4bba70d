package model

import "time"

// UserRole controls what a user may see and change
type UserRole string

const (
	RoleAdmin   UserRole = "admin"
	RoleManager UserRole = "manager"
	RoleAnalyst UserRole = "analyst"
	RoleViewer  UserRole = "viewer"
)

func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleAnalyst, RoleViewer:
		return true
	}
	return false
}

// UserStatus is the account state
type UserStatus string

const (
	UserStatusActive    UserStatus = "active"
	UserStatusInactive  UserStatus = "inactive"
	UserStatusSuspended UserStatus = "suspended"
	UserStatusPending   UserStatus = "pending"
)

// User is an authenticated principal
type User struct {
	ID           string     `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	Username     string     `gorm:"size:100;uniqueIndex;not null" json:"username"`
	PasswordHash string     `gorm:"size:255;not null" json:"-"`
	FirstName    string     `gorm:"size:100" json:"first_name,omitempty"`
	LastName     string     `gorm:"size:100" json:"last_name,omitempty"`
	Role         UserRole   `gorm:"size:16;not null;default:analyst" json:"role"`
	Status       UserStatus `gorm:"size:16;not null;default:pending" json:"status"`
	CompanyName  string     `gorm:"size:255" json:"company_name,omitempty"`
	JobTitle     string     `gorm:"size:100" json:"job_title,omitempty"`
	LastLogin    *time.Time `json:"last_login"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

// FullName falls back to the username when no name is set
func (u *User) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	}
	return u.Username
}

func (u *User) IsActive() bool {
	return u.Status == UserStatusActive
}

// CanLogin is false for deactivated and suspended accounts. Pending accounts
// may sign in before verification.
func (u *User) CanLogin() bool {
	return u.Status != UserStatusInactive && u.Status != UserStatusSuspended
}

// IsManager is true for managers and admins
func (u *User) IsManager() bool {
	return u.Role == RoleAdmin || u.Role == RoleManager
}

// CanAccess reports whether the user may read or change an entity owned by ownerID.
// Managers and admins bypass ownership.
func (u *User) CanAccess(ownerID string) bool {
	return u.IsManager() || u.ID == ownerID
}

// CanDelete reports whether the user may delete an entity owned by ownerID
func (u *User) CanDelete(ownerID string) bool {
	return u.Role == RoleAdmin || u.ID == ownerID
}
