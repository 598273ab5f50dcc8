package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicportal/internal/config"
	"clinicportal/internal/models"
	"clinicportal/internal/repository"
	"clinicportal/internal/security"
	"clinicportal/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUsers struct {
	users   []models.User
	listErr error
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return models.User{}, repository.ErrUserNotFound
}

func (f *fakeUsers) Create(context.Context, models.User) (int64, error) {
	return 0, errors.New("read only")
}

func (f *fakeUsers) List(_ context.Context, limit int, offset int) ([]models.User, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.users) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.users) {
		end = len(f.users)
	}
	return f.users[offset:end], nil
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func hash(t *testing.T, pw string) []byte {
	t.Helper()
	h, err := security.HashPasswordWithParams(pw, security.Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16})
	require.NoError(t, err)
	return h
}

type fixture struct {
	router *gin.Engine
	users  *fakeUsers
	db     *error
}

func newFixture(t *testing.T, cache *redis.Client) *fixture {
	t.Helper()

	users := &fakeUsers{users: []models.User{
		{ID: 1, Email: "admin@clinic.test", PasswordHash: hash(t, "adminpw"), DisplayName: "Ada", Role: "Admin", Status: models.UserStatusActive},
		{ID: 2, Email: "doc@clinic.test", PasswordHash: hash(t, "docpw"), DisplayName: "Dr. House", Role: "Doctor", Status: models.UserStatusActive},
		{ID: 3, Email: "gone@clinic.test", PasswordHash: hash(t, "gonepw"), DisplayName: "Gone", Role: "patient", Status: models.UserStatusSuspended},
	}}

	var dbErr error
	cfg := &config.AppConfig{
		Environment: "test",
		Cookies:     config.CookieConfig{TokenName: "auth_token", UserInfoName: "user_info"},
	}
	set := NewHandlerSet(Deps{
		Log:      zerolog.Nop(),
		Config:   cfg,
		Auth:     service.NewAuthService(users, nil, zerolog.Nop()),
		Users:    users,
		DB:       pingFunc(func(context.Context) error { return dbErr }),
		Cache:    cache,
		Gatherer: prometheus.NewRegistry(),
	})

	r := gin.New()
	set.Register(r.Group("/api"))
	return &fixture{router: r, users: users, db: &dbErr}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func loginRequestBody(email string, password string) *strings.Reader {
	return strings.NewReader(`{"email":"` + email + `","password":"` + password + `"}`)
}

func TestLoginReturnsTokenAndRawRole(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", loginRequestBody("doc@clinic.test", "docpw")))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.User)
	assert.Equal(t, "Doctor", resp.User.Role)
	assert.Equal(t, "Dr. House", resp.User.Name)
	assert.Equal(t, "2:doc@clinic.test:Doctor", resp.User.Token)
}

func TestLoginFailures(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name   string
		body   *strings.Reader
		status int
	}{
		{"wrong password", loginRequestBody("doc@clinic.test", "nope"), http.StatusUnauthorized},
		{"unknown user", loginRequestBody("who@clinic.test", "x"), http.StatusUnauthorized},
		{"suspended", loginRequestBody("gone@clinic.test", "gonepw"), http.StatusForbidden},
		{"bad body", strings.NewReader(`{"email":`), http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", tc.body))
			assert.Equal(t, tc.status, rec.Code)

			var resp loginResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Nil(t, resp.User)
		})
	}
}

func TestMeWithMirroredCookie(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth_token", Value: url.QueryEscape("2:doc@clinic.test:doctor")})
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":{"id":2,"email":"doc@clinic.test","name":"Dr. House","role":"Doctor"}}`, rec.Body.String())
}

func TestMeRequiresToken(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutExpiresCookies(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		assert.Equal(t, -1, c.MaxAge)
	}
}

func TestAdminListUsers(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users?perPage=2", nil)
	req.Header.Set("Authorization", "Bearer 1:admin@clinic.test:admin")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []struct {
			ID             int64  `json:"id"`
			Role           string `json:"role"`
			NormalizedRole string `json:"normalizedRole"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	assert.Equal(t, "Doctor", body.Items[1].Role)
	assert.Equal(t, "doctor", body.Items[1].NormalizedRole)
}

func TestAdminListUsersForbiddenForDoctor(t *testing.T) {
	f := newFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("Authorization", "Bearer 2:doc@clinic.test:admin")
	rec := f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminListUsersStoreError(t *testing.T) {
	f := newFixture(t, nil)
	f.users.listErr = errors.New("pool closed")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("Authorization", "Bearer 1:admin@clinic.test:admin")
	rec := f.do(req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, client)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","database":"ok","cache":"ok","environment":"test"}`, rec.Body.String())

	*f.db = errors.New("connection refused")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"error"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
