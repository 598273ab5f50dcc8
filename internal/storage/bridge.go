package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"clinicportal/internal/models"
	"clinicportal/internal/security"
)

const (
	TokenKey    = "auth_token"
	UserInfoKey = "user_info"
)

// ErrSessionMismatch is returned by Load when the token and the user-info
// record name different users.
var ErrSessionMismatch = errors.New("token and user info belong to different users")

// UserInfo is the JSON record persisted next to the token.
type UserInfo struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Bridge is the only path through which session credentials reach the
// persistence layers: the profile's local medium and the cookies read by the
// backend's request-time authorization.
type Bridge struct {
	local     Medium
	jar       http.CookieJar
	cookieURL *url.URL
	log       zerolog.Logger
}

// NewBridge wires a local medium and, optionally, a cookie jar scoped to
// cookieURL. A nil jar disables cookie mirroring.
func NewBridge(local Medium, jar http.CookieJar, cookieURL *url.URL, log zerolog.Logger) *Bridge {
	return &Bridge{
		local:     local,
		jar:       jar,
		cookieURL: cookieURL,
		log:       log,
	}
}

func (b *Bridge) Local() Medium {
	return b.local
}

// Save writes the encoded token and user-info record, then mirrors both into
// cookies. If either write fails the previous record is put back, and the
// cookies are left alone.
func (b *Bridge) Save(ctx context.Context, session models.Session) error {
	token, info, err := encodeSession(session)
	if err != nil {
		return err
	}

	prev, err := b.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read previous session: %w", err)
	}

	if err := b.local.Set(ctx, TokenKey, token); err != nil {
		b.restore(ctx, prev)
		return fmt.Errorf("save token: %w", err)
	}
	if err := b.local.Set(ctx, UserInfoKey, info); err != nil {
		b.restore(ctx, prev)
		return fmt.Errorf("save user info: %w", err)
	}

	b.setCookies(token, info)
	return nil
}

type storedValue struct {
	value string
	ok    bool
}

func (b *Bridge) snapshot(ctx context.Context) (map[string]storedValue, error) {
	out := make(map[string]storedValue, 2)
	for _, key := range []string{TokenKey, UserInfoKey} {
		value, ok, err := b.local.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[key] = storedValue{value: value, ok: ok}
	}
	return out, nil
}

// restore puts back the snapshot. When that fails too, both keys are
// removed so that no mixed record survives.
func (b *Bridge) restore(ctx context.Context, prev map[string]storedValue) {
	var errs []error
	for key, v := range prev {
		var err error
		if v.ok {
			err = b.local.Set(ctx, key, v.value)
		} else {
			err = b.local.Remove(ctx, key)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.log.Warn().Err(err).Msg("restore previous session failed, dropping it")
		_ = b.local.Remove(ctx, TokenKey)
		_ = b.local.Remove(ctx, UserInfoKey)
	}
}

// Load returns the persisted session, or nil when either key is missing. A
// token that fails shape validation, or a user-info record for another user,
// also yields nil, together with the error so callers can log it.
func (b *Bridge) Load(ctx context.Context) (*models.Session, error) {
	token, ok, err := b.local.Get(ctx, TokenKey)
	if err != nil || !ok {
		return nil, err
	}
	rawInfo, ok, err := b.local.Get(ctx, UserInfoKey)
	if err != nil || !ok {
		return nil, err
	}

	claims, err := security.DecodeToken(token)
	if err != nil {
		return nil, err
	}

	var info UserInfo
	if err := json.Unmarshal([]byte(rawInfo), &info); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	if info.ID != claims.UserID {
		return nil, ErrSessionMismatch
	}

	return &models.Session{
		UserID:      claims.UserID,
		Email:       claims.Email,
		DisplayName: info.Name,
		Role:        models.NormalizeRole(claims.Role),
		IsLoggedIn:  true,
	}, nil
}

// Clear removes both keys from local storage and expires both cookies. Both
// removals are attempted even if the first one fails.
func (b *Bridge) Clear(ctx context.Context) error {
	b.ClearCookies()

	tokenErr := b.local.Remove(ctx, TokenKey)
	infoErr := b.local.Remove(ctx, UserInfoKey)
	if tokenErr != nil {
		return fmt.Errorf("clear token: %w", tokenErr)
	}
	if infoErr != nil {
		return fmt.Errorf("clear user info: %w", infoErr)
	}
	return nil
}

// MirrorCookies re-derives the cookies from a loaded session.
func (b *Bridge) MirrorCookies(session models.Session) {
	token, info, err := encodeSession(session)
	if err != nil {
		b.log.Warn().Err(err).Msg("mirror cookies failed")
		return
	}
	b.setCookies(token, info)
}

func (b *Bridge) ClearCookies() {
	if b.jar == nil || b.cookieURL == nil {
		return
	}
	b.jar.SetCookies(b.cookieURL, []*http.Cookie{
		expiredCookie(TokenKey),
		expiredCookie(UserInfoKey),
	})
}

func (b *Bridge) setCookies(token string, info string) {
	if b.jar == nil || b.cookieURL == nil {
		return
	}
	b.jar.SetCookies(b.cookieURL, []*http.Cookie{
		sessionCookie(TokenKey, token),
		sessionCookie(UserInfoKey, info),
	})
}

func encodeSession(session models.Session) (string, string, error) {
	token := security.EncodeToken(session.UserID, session.Email, string(session.Role))
	info, err := json.Marshal(UserInfo{
		ID:    session.UserID,
		Email: session.Email,
		Name:  session.DisplayName,
		Role:  string(session.Role),
	})
	if err != nil {
		return "", "", fmt.Errorf("encode user info: %w", err)
	}
	return token, string(info), nil
}

func sessionCookie(name string, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    url.QueryEscape(value),
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	}
}

func expiredCookie(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		SameSite: http.SameSiteStrictMode,
	}
}
