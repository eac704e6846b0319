package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"

	"zvonok/internal/models"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	DefaultIssuer      = "zvonok"

	// verifiedTTL bounds how long a verified token skips signature checks.
	verifiedTTL = time.Minute
)

// Directory resolves user ids to directory entries.
type Directory interface {
	GetUser(id string) (models.User, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	Issuer      string        `json:"issuer"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

type verifiedToken struct {
	user      models.User
	expiresAt time.Time
}

// AuthService is the identity provider: it maps a bearer token to a stable
// user identity.
type AuthService struct {
	Config
	directory  Directory
	liveTokens geche.Geche[string, verifiedToken]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, directory Directory) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		directory:  directory,
		liveTokens: geche.NewMapTTLCache[string, verifiedToken](ctx, verifiedTTL, time.Minute),
		now:        time.Now,
	}, nil
}

// IssueToken signs a bearer token for the user.
func (as *AuthService) IssueToken(userID string) (string, time.Time, error) {
	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    as.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(as.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Authenticate verifies the token and resolves its subject in the directory.
func (as *AuthService) Authenticate(token string) (models.User, error) {
	if token == "" {
		return models.User{}, models.ErrUnauthorized
	}

	if cached, err := as.liveTokens.Get(token); err == nil {
		if as.now().Before(cached.expiresAt) {
			return cached.user, nil
		}
		_ = as.liveTokens.Del(token)
		return models.User{}, models.ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(as.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(as.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(as.now),
	)
	if err != nil {
		slog.Debug("token rejected", "error", err)
		return models.User{}, models.ErrUnauthorized
	}

	user, err := as.directory.GetUser(claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			slog.Warn("token for unknown user", "user_id", claims.Subject)
			return models.User{}, models.ErrUnauthorized
		}
		return models.User{}, fmt.Errorf("failed to resolve user: %w", err)
	}

	as.liveTokens.Set(token, verifiedToken{user: user, expiresAt: claims.ExpiresAt.Time})
	return user, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// the "token" header, the "token" cookie, or the "token" query parameter.
// Browsers cannot set headers on websocket upgrades, hence the query fallback.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie("token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}
