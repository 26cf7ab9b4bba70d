package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/AnTengye/dealdesk/backend/config"
	"github.com/AnTengye/dealdesk/backend/model"
	"github.com/AnTengye/dealdesk/backend/pkg/logger"
	"github.com/AnTengye/dealdesk/backend/store"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const passwordSpecials = "!@#$%^&*()_+-=[]{}|;:,.<>?"

var (
	ErrWeakPassword       = errors.New("password must be at least 8 characters and contain upper case, lower case, digit and special characters")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("account is deactivated")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidUsername    = errors.New("username must be 3 to 100 characters")
)

// ValidatePasswordStrength enforces the account password policy
func ValidatePasswordStrength(password string) error {
	if utf8.RuneCountInString(password) < 8 {
		return ErrWeakPassword
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ErrWeakPassword
	}
	return nil
}

// SanitizeFilename replaces path and shell metacharacters and caps the name at 255 bytes
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	for len(name) > 255 {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}

// RegisterInput carries the self-service registration fields
type RegisterInput struct {
	Email       string
	Username    string
	Password    string
	FirstName   string
	LastName    string
	CompanyName string
	JobTitle    string
}

// UserService owns account creation and password checks
type UserService struct {
	users store.UserStore
	cost  int
	now   func() time.Time
}

func NewUserService(users store.UserStore) *UserService {
	return &UserService{users: users, cost: bcrypt.DefaultCost, now: time.Now}
}

func (s *UserService) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

// Register creates a pending analyst account. Duplicate email or username
// yields store.ErrConflict.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, ErrInvalidEmail
	}
	if n := utf8.RuneCountInString(in.Username); n < 3 || n > 100 {
		return nil, ErrInvalidUsername
	}
	if err := ValidatePasswordStrength(in.Password); err != nil {
		return nil, err
	}
	return s.create(ctx, in, model.RoleAnalyst, model.UserStatusPending)
}

func (s *UserService) create(ctx context.Context, in RegisterInput, role model.UserRole, status model.UserStatus) (*model.User, error) {
	hash, err := s.hash(in.Password)
	if err != nil {
		return nil, err
	}
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        strings.TrimSpace(in.Email),
		Username:     strings.TrimSpace(in.Username),
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		CompanyName:  in.CompanyName,
		JobTitle:     in.JobTitle,
		Role:         role,
		Status:       status,
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	logger.Info(ctx, "user created", "user_id", u.ID, "username", u.Username, "role", u.Role)
	return u, nil
}

// Authenticate checks credentials against an email or username and stamps the login time
func (s *UserService) Authenticate(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.users.GetUserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.CanLogin() {
		return nil, ErrAccountDisabled
	}

	now := s.now()
	return s.users.UpdateUser(ctx, u.ID, func(u *model.User) error {
		u.LastLogin = &now
		return nil
	})
}

// ChangePassword verifies the current password before storing the new one
func (s *UserService) ChangePassword(ctx context.Context, userID, current, next string) error {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)) != nil {
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordStrength(next); err != nil {
		return err
	}
	hash, err := s.hash(next)
	if err != nil {
		return err
	}
	_, err = s.users.UpdateUser(ctx, userID, func(u *model.User) error {
		u.PasswordHash = hash
		return nil
	})
	return err
}

// CreateUser adds an active account with the given role, bypassing the strength policy.
// Used for bootstrap accounts and the create-user command.
func (s *UserService) CreateUser(ctx context.Context, username, email, password string, role model.UserRole) (*model.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}
	if password == "" {
		return nil, errors.New("password is required")
	}
	return s.create(ctx, RegisterInput{Email: email, Username: username, Password: password}, role, model.UserStatusActive)
}

// Bootstrap creates the configured users that do not exist yet
func (s *UserService) Bootstrap(ctx context.Context, users []config.User) error {
	for _, cu := range users {
		if _, err := s.users.GetUserByLogin(ctx, cu.Username); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		role := model.UserRole(cu.Role)
		if role == "" {
			role = model.RoleAnalyst
		}
		email := cu.Email
		if email == "" {
			email = cu.Username + "@localhost"
		}
		if _, err := s.CreateUser(ctx, cu.Username, email, cu.Password, role); err != nil {
			return fmt.Errorf("bootstrap user %s: %w", cu.Username, err)
		}
	}
	return nil
}
