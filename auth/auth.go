// Package auth validates bearer tokens and resolves the calling user.
package auth

import (
	"context"
	"fmt"
	"strings"

	"chat-gateway/apperrors"
	"chat-gateway/config"

	"github.com/rs/zerolog"
)

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
}

// Validator turns a raw bearer token into a Principal. Failures are
// UNAUTHORIZED unless the identity backend itself is unreachable.
type Validator interface {
	Validate(ctx context.Context, rawToken string) (Principal, error)
}

// NewValidator builds the validator selected by cfg.AuthMode.
func NewValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Validator, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		v, err := NewJWTValidator(ctx, JWTOptions{
			Secret:    cfg.AuthJWTSecret,
			JWKSURL:   cfg.AuthJWKSURL,
			Issuer:    cfg.AuthIssuer,
			Audience:  cfg.AuthAudience,
			Refresh:   cfg.AuthJWKSRefresh,
			ClockSkew: cfg.AuthClockSkew,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("init jwt validator: %w", err)
		}
		return v, nil
	case config.AuthModeRemote:
		return NewRemoteValidator(cfg.IdentityURL, cfg.IdentityAPIKey, cfg.IdentityTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(msg string, err error) error {
	return apperrors.New(apperrors.LayerAuth, apperrors.TypeUnauthorized, msg, err)
}
