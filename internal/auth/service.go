package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Config configures the authentication boundary.
type Config struct {
	Enabled    bool              `mapstructure:"enabled"`
	JWTSecret  string            `mapstructure:"jwt_secret"`
	TokenTTL   time.Duration     `mapstructure:"token_ttl"`
	Issuer     string            `mapstructure:"issuer"`
	Users      map[string]string `mapstructure:"users"` // name -> bcrypt hash
	BcryptCost int               `mapstructure:"bcrypt_cost" validate:"omitempty,min=4,max=31"`
}

// Claims are the JWT claims. Email mirrors tokens issued by the web login of
// earlier deployments, which identified users by email.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies bearer tokens and basic credentials and issues tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	users  map[string][]byte
	cost   int
}

func NewService(cfg Config) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrNoSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = 12
	}
	users := make(map[string][]byte, len(cfg.Users))
	for name, hash := range cfg.Users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: password hash: %w", name, err)
		}
		users[name] = []byte(hash)
	}
	return &Service{secret: []byte(cfg.JWTSecret), ttl: ttl, issuer: cfg.Issuer, users: users, cost: cost}, nil
}

// IssueToken signs an HS256 token for subject valid for ttl (the configured
// TTL when ttl <= 0).
func (s *Service) IssueToken(subject string, ttl time.Duration) (*Token, error) {
	if subject == "" {
		return nil, fmt.Errorf("token subject is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// VerifyToken validates signature, algorithm and expiry.
func (s *Service) VerifyToken(tokenString string) (*Result, error) {
	if tokenString == "" {
		return &Result{}, ErrInvalidCredentials
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return &Result{}, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return &Result{}, ErrInvalidCredentials
	}
	subject := claims.Subject
	if subject == "" {
		subject = claims.Email
	}
	return &Result{Success: true, Subject: subject, Method: MethodJWT}, nil
}

// VerifyBasic checks a username and password against the configured hashes.
func (s *Service) VerifyBasic(username, password string) (*Result, error) {
	if username == "" || password == "" {
		return &Result{}, ErrInvalidCredentials
	}
	hash, ok := s.users[username]
	if !ok {
		return &Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return &Result{}, ErrInvalidCredentials
	}
	return &Result{Success: true, Subject: username, Method: MethodBasic}, nil
}

// HashPassword returns a bcrypt hash suitable for Config.Users.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}
	if cost == 0 {
		cost = 12
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}
