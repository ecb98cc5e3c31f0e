package auth

import (
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoSecret           = errors.New("jwt secret is required when auth is enabled")
)

// Method is how a request authenticated.
type Method string

const (
	MethodBasic Method = "basic" // username/password
	MethodJWT   Method = "jwt"   // bearer header or token cookie
)

// TokenCookie is the cookie carrying a JWT, as browsers send it.
const TokenCookie = "token"

// Result describes an authenticated caller.
type Result struct {
	Success bool   `json:"success"`
	Subject string `json:"subject,omitempty"`
	Method  Method `json:"method,omitempty"`
}

// Token is a signed JWT.
type Token struct {
	Type      string    `json:"type"` // "Bearer"
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}
