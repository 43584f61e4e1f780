// Package auth guards the admin API surface with JWT bearer tokens. The
// service carries a single operator credential; there is no user store.
package auth

// OperatorClaims identify the authenticated operator inside a token.
type OperatorClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TokenPair is the login and refresh response payload.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	TokenType    string `json:"token_type"` // always "Bearer"
}

// LoginRequest is the login endpoint payload.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest is the refresh endpoint payload.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// AuthError is a machine-readable authentication failure.
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid username or password"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrLoginNotConfigured = AuthError{Code: "LOGIN_NOT_CONFIGURED", Message: "no admin credential configured"}
)
