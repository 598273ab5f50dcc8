package security

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidTokenFormat is returned for credential strings that do not have
// the "<id>:<email>:<role>" shape.
var ErrInvalidTokenFormat = errors.New("invalid token format")

// TokenClaims are the fields carried by a session token.
type TokenClaims struct {
	UserID int64
	Email  string
	Role   string
}

// EncodeToken renders the unsigned session credential. Colons inside the
// email are not escaped.
func EncodeToken(userID int64, email string, role string) string {
	return strconv.FormatInt(userID, 10) + ":" + email + ":" + role
}

// DecodeToken parses a credential produced by EncodeToken. Only the shape is
// checked: the token carries no signature and no expiry, so any well-formed
// string is accepted. When the email contains a colon the first three fields
// are used and the result does not match what was encoded.
func DecodeToken(token string) (TokenClaims, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return TokenClaims{}, ErrInvalidTokenFormat
	}
	for _, part := range parts[:3] {
		if part == "" {
			return TokenClaims{}, ErrInvalidTokenFormat
		}
	}

	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return TokenClaims{}, ErrInvalidTokenFormat
	}

	return TokenClaims{
		UserID: userID,
		Email:  parts[1],
		Role:   parts[2],
	}, nil
}
