package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"clinicportal/internal/models"
	"clinicportal/internal/repository"
	"clinicportal/internal/security"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserSuspended      = errors.New("user suspended")
	ErrTooManyAttempts    = errors.New("too many login attempts")
	ErrEmailTaken         = errors.New("email already registered")
)

type UserStore interface {
	FindByEmail(ctx context.Context, email string) (models.User, error)
	GetByID(ctx context.Context, id int64) (models.User, error)
	Create(ctx context.Context, user models.User) (int64, error)
}

// Throttle limits repeated failed logins per email.
type Throttle interface {
	Blocked(ctx context.Context, email string) (bool, error)
	Fail(ctx context.Context, email string) error
	Reset(ctx context.Context, email string) error
}

type AuthService struct {
	users    UserStore
	throttle Throttle
	hash     func(string) ([]byte, error)
	log      zerolog.Logger
}

// NewAuthService wires the service. throttle may be nil.
func NewAuthService(users UserStore, throttle Throttle, log zerolog.Logger) *AuthService {
	return &AuthService{
		users:    users,
		throttle: throttle,
		hash:     security.HashPassword,
		log:      log,
	}
}

type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (models.User, error) {
	input.Email = normalizeEmail(input.Email)
	if input.Email == "" || input.Password == "" {
		return models.User{}, fmt.Errorf("email and password required")
	}
	if strings.Contains(input.Email, ":") {
		return models.User{}, fmt.Errorf("email must not contain ':'")
	}

	if _, err := s.users.FindByEmail(ctx, input.Email); err == nil {
		return models.User{}, ErrEmailTaken
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return models.User{}, err
	}

	passwordHash, err := s.hash(input.Password)
	if err != nil {
		return models.User{}, err
	}

	role := strings.TrimSpace(input.Role)
	if role == "" {
		role = string(models.RolePatient)
	}

	user := models.User{
		Email:        input.Email,
		PasswordHash: passwordHash,
		DisplayName:  input.DisplayName,
		Role:         role,
		Status:       models.UserStatusActive,
	}

	id, err := s.users.Create(ctx, user)
	if err != nil {
		return models.User{}, err
	}
	user.ID = id
	return user, nil
}

type LoginInput struct {
	Email    string
	Password string
}

type AuthResult struct {
	User  models.User
	Token string
}

// Login verifies the password and issues the session token. The stored role
// is returned as-is; normalizing it is up to the client.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (AuthResult, error) {
	input.Email = normalizeEmail(input.Email)

	if s.throttle != nil {
		blocked, err := s.throttle.Blocked(ctx, input.Email)
		if err != nil {
			s.log.Warn().Err(err).Msg("login throttle unavailable")
		} else if blocked {
			return AuthResult{}, ErrTooManyAttempts
		}
	}

	user, err := s.authenticate(ctx, input)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.recordFailure(ctx, input.Email)
		}
		return AuthResult{}, err
	}

	if s.throttle != nil {
		if err := s.throttle.Reset(ctx, input.Email); err != nil {
			s.log.Warn().Err(err).Msg("reset login throttle failed")
		}
	}

	return AuthResult{
		User:  user,
		Token: security.EncodeToken(user.ID, user.Email, user.Role),
	}, nil
}

func (s *AuthService) authenticate(ctx context.Context, input LoginInput) (models.User, error) {
	user, err := s.users.FindByEmail(ctx, input.Email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}

	ok, err := security.VerifyPassword(input.Password, user.PasswordHash)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", user.ID).Msg("stored password hash unreadable")
		return models.User{}, ErrInvalidCredentials
	}
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}

	if user.Status != models.UserStatusActive {
		return models.User{}, ErrUserSuspended
	}
	return user, nil
}

func (s *AuthService) recordFailure(ctx context.Context, email string) {
	if s.throttle == nil {
		return
	}
	if err := s.throttle.Fail(ctx, email); err != nil {
		s.log.Warn().Err(err).Msg("record login failure failed")
	}
}

// Authenticate resolves a session token to an active user. The token is
// unsigned, so it is only trusted as far as the id and email still match a
// stored account.
func (s *AuthService) Authenticate(ctx context.Context, token string) (models.User, error) {
	claims, err := security.DecodeToken(token)
	if err != nil {
		return models.User{}, err
	}

	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if !strings.EqualFold(user.Email, claims.Email) {
		return models.User{}, ErrInvalidCredentials
	}
	if user.Status != models.UserStatusActive {
		return models.User{}, ErrUserSuspended
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
