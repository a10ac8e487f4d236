package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the authorization category embedded in the access token. It drives
// the default post-login destination.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleStaff      Role = "staff"
	RoleTeacher    Role = "teacher"
	RoleStudent    Role = "student"
	RoleParent     Role = "parent"
)

// Destination returns the default landing path for the role. Unknown roles
// land on the home page.
func (r Role) Destination() string {
	switch r {
	case RoleSuperAdmin:
		return "/dashboard/super-admin"
	case RoleStaff:
		return "/dashboard/staff"
	case RoleTeacher:
		return "/dashboard/teacher"
	default:
		return "/"
	}
}

// User is the identity decoded from the access token, optionally enriched
// with profile fields fetched from the user endpoint.
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      Role   `json:"role"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Claims is the access token payload. The backend signs the token; the client
// only reads the embedded user claim and the registered timestamps.
type Claims struct {
	User User `json:"user"`
	jwt.RegisteredClaims
}

var errNoExpiry = errors.New("token has no expiry claim")

// decodeAccessToken extracts the user claim and expiry from an access token
// without verifying the signature. Verification happens server-side on every
// API call; the client holds no signing key.
func decodeAccessToken(token string) (User, time.Time, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return User{}, time.Time{}, fmt.Errorf("decode access token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return User{}, time.Time{}, errNoExpiry
	}
	if claims.User.ID == 0 {
		return User{}, time.Time{}, errors.New("token has no user claim")
	}
	return claims.User, claims.ExpiresAt.Time, nil
}
