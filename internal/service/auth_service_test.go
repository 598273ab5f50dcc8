package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicportal/internal/models"
	"clinicportal/internal/repository"
	"clinicportal/internal/security"
)

var fastParams = security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

type memoryStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]models.User
	err    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{users: map[int64]models.User{}}
}

func (s *memoryStore) FindByEmail(_ context.Context, email string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.User{}, s.err
	}
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (s *memoryStore) GetByID(_ context.Context, id int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, repository.ErrUserNotFound
	}
	return u, nil
}

func (s *memoryStore) Create(_ context.Context, user models.User) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	user.ID = s.nextID
	s.users[user.ID] = user
	return user.ID, nil
}

type countingThrottle struct {
	failures map[string]int
	max      int
}

func (t *countingThrottle) Blocked(_ context.Context, email string) (bool, error) {
	return t.failures[email] >= t.max, nil
}

func (t *countingThrottle) Fail(_ context.Context, email string) error {
	t.failures[email]++
	return nil
}

func (t *countingThrottle) Reset(_ context.Context, email string) error {
	delete(t.failures, email)
	return nil
}

func newService(t *testing.T, throttle Throttle) (*AuthService, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	svc := NewAuthService(store, throttle, zerolog.Nop())
	svc.hash = func(pw string) ([]byte, error) {
		return security.HashPasswordWithParams(pw, fastParams)
	}
	return svc, store
}

func register(t *testing.T, svc *AuthService, email string, role string) models.User {
	t.Helper()
	user, err := svc.Register(context.Background(), RegisterInput{
		Email:       email,
		Password:    "hunter22",
		DisplayName: "Test User",
		Role:        role,
	})
	require.NoError(t, err)
	return user
}

func TestLoginIssuesToken(t *testing.T) {
	svc, _ := newService(t, nil)
	user := register(t, svc, "Doc@Clinic.test", "Doctor")

	result, err := svc.Login(context.Background(), LoginInput{Email: " doc@clinic.test", Password: "hunter22"})
	require.NoError(t, err)

	assert.Equal(t, user.ID, result.User.ID)
	assert.Equal(t, security.EncodeToken(user.ID, "doc@clinic.test", "Doctor"), result.Token)
}

func TestLoginRejectsWrongPasswordAndUnknownUser(t *testing.T) {
	svc, _ := newService(t, nil)
	register(t, svc, "p@clinic.test", "")

	_, err := svc.Login(context.Background(), LoginInput{Email: "p@clinic.test", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), LoginInput{Email: "ghost@clinic.test", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginSuspendedUser(t *testing.T) {
	svc, store := newService(t, nil)
	user := register(t, svc, "p@clinic.test", "")
	user.Status = models.UserStatusSuspended
	store.users[user.ID] = user

	_, err := svc.Login(context.Background(), LoginInput{Email: "p@clinic.test", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrUserSuspended)
}

func TestLoginThrottled(t *testing.T) {
	throttle := &countingThrottle{failures: map[string]int{}, max: 2}
	svc, _ := newService(t, throttle)
	register(t, svc, "p@clinic.test", "")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Login(ctx, LoginInput{Email: "p@clinic.test", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := svc.Login(ctx, LoginInput{Email: "p@clinic.test", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestLoginSuccessResetsThrottle(t *testing.T) {
	throttle := &countingThrottle{failures: map[string]int{}, max: 3}
	svc, _ := newService(t, throttle)
	register(t, svc, "p@clinic.test", "")
	ctx := context.Background()

	_, _ = svc.Login(ctx, LoginInput{Email: "p@clinic.test", Password: "wrong"})
	_, err := svc.Login(ctx, LoginInput{Email: "p@clinic.test", Password: "hunter22"})
	require.NoError(t, err)
	assert.Zero(t, throttle.failures["p@clinic.test"])
}

func TestLoginStoreFailure(t *testing.T) {
	svc, store := newService(t, nil)
	boom := errors.New("pool closed")
	store.err = boom

	_, err := svc.Login(context.Background(), LoginInput{Email: "p@clinic.test", Password: "x"})
	assert.ErrorIs(t, err, boom)
}

func TestRegister(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	user := register(t, svc, "new@clinic.test", "")
	assert.Equal(t, "patient", user.Role)
	assert.NotZero(t, user.ID)

	_, err := svc.Register(ctx, RegisterInput{Email: "NEW@clinic.test", Password: "x"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Register(ctx, RegisterInput{Email: "a:b@clinic.test", Password: "x"})
	assert.Error(t, err)

	_, err = svc.Register(ctx, RegisterInput{Email: "", Password: "x"})
	assert.Error(t, err)
}

func TestAuthenticate(t *testing.T) {
	svc, store := newService(t, nil)
	user := register(t, svc, "doc@clinic.test", "Doctor")
	ctx := context.Background()

	got, err := svc.Authenticate(ctx, security.EncodeToken(user.ID, "doc@clinic.test", "doctor"))
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Authenticate(ctx, "not-a-token")
	assert.ErrorIs(t, err, security.ErrInvalidTokenFormat)

	_, err = svc.Authenticate(ctx, security.EncodeToken(user.ID, "other@clinic.test", "admin"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(ctx, security.EncodeToken(999, "doc@clinic.test", "doctor"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	user.Status = models.UserStatusSuspended
	store.users[user.ID] = user
	_, err = svc.Authenticate(ctx, security.EncodeToken(user.ID, "doc@clinic.test", "doctor"))
	assert.ErrorIs(t, err, ErrUserSuspended)
}
