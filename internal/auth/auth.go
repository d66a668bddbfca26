// Package auth obtains the signed-in identity used for decision calls.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/config"
)

var (
	// ErrNotConfigured means neither an identity token nor an email is configured.
	ErrNotConfigured = errors.New("auth: no identity token or email configured (set OPERO_AUTH_TOKEN or auth.email)")
	// ErrNoEmail means the token carries no email claim.
	ErrNoEmail = errors.New("auth: identity token has no email claim")
	// ErrTokenExpired means the token's exp claim is in the past.
	ErrTokenExpired = errors.New("auth: identity token has expired")
)

// Authenticator signs a user in and returns the identity record.
type Authenticator interface {
	SignIn(ctx context.Context) (*schemas.UserInfo, error)
}

// identityClaims are the OpenID-style profile claims of an identity token.
type identityClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// TokenAuthenticator derives the identity from a configured JWT, or from a
// configured email when there is no token.
type TokenAuthenticator struct {
	token  string
	secret []byte
	email  string
	now    func() time.Time
	logger *zap.Logger
}

// NewTokenAuthenticator creates a TokenAuthenticator.
func NewTokenAuthenticator(cfg config.AuthConfig, logger *zap.Logger) *TokenAuthenticator {
	var secret []byte
	if cfg.Secret != "" {
		secret = []byte(cfg.Secret)
	}
	return &TokenAuthenticator{
		token:  strings.TrimSpace(cfg.Token),
		secret: secret,
		email:  strings.TrimSpace(cfg.Email),
		now:    time.Now,
		logger: logger.Named("auth"),
	}
}

// SignIn implements Authenticator.
func (a *TokenAuthenticator) SignIn(ctx context.Context) (*schemas.UserInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.token == "" {
		if a.email == "" {
			return nil, ErrNotConfigured
		}
		return &schemas.UserInfo{Email: a.email}, nil
	}

	claims, err := a.parse()
	if err != nil {
		return nil, err
	}
	if claims.Email == "" {
		return nil, ErrNoEmail
	}
	a.logger.Info("Signed in.", zap.String("email", claims.Email), zap.Bool("verified", a.secret != nil))
	return &schemas.UserInfo{Email: claims.Email, Name: claims.Name, Picture: claims.Picture}, nil
}

func (a *TokenAuthenticator) parse() (*identityClaims, error) {
	claims := &identityClaims{}

	if a.secret == nil {
		// Without a shared secret the token is only a carrier for profile claims.
		if _, _, err := jwt.NewParser().ParseUnverified(a.token, claims); err != nil {
			return nil, fmt.Errorf("auth: malformed identity token: %w", err)
		}
		if exp := claims.ExpiresAt; exp != nil && a.now().After(exp.Time) {
			return nil, ErrTokenExpired
		}
		return claims, nil
	}

	_, err := jwt.ParseWithClaims(a.token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithTimeFunc(a.now))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("auth: invalid identity token: %w", err)
	}
	return claims, nil
}
