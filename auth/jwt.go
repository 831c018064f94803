package auth

import (
	"context"
	"errors"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// JWTOptions configures a JWTValidator. Exactly one of Secret and JWKSURL is
// used; JWKSURL wins when both are set.
type JWTOptions struct {
	Secret    string
	JWKSURL   string
	Issuer    string
	Audience  string
	Refresh   time.Duration
	ClockSkew time.Duration
}

// JWTValidator validates tokens locally, either with a shared HMAC secret or
// against a JWKS endpoint.
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	jwks    *keyfunc.JWKS
	parser  *jwt.Parser
}

// NewJWTValidator fetches the JWKS once when configured; keys are then
// refreshed in the background until Close.
func NewJWTValidator(ctx context.Context, opts JWTOptions, log zerolog.Logger) (*JWTValidator, error) {
	v := &JWTValidator{}
	var methods []string

	switch {
	case opts.JWKSURL != "":
		refresh := opts.Refresh
		if refresh <= 0 {
			refresh = 5 * time.Minute
		}
		jwks, err := keyfunc.Get(opts.JWKSURL, keyfunc.Options{
			Ctx:               ctx,
			RefreshInterval:   refresh,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.Error().Err(err).Str("jwks_url", opts.JWKSURL).Msg("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, err
		}
		v.jwks = jwks
		v.keyfunc = jwks.Keyfunc
		methods = []string{"RS256", "RS384", "RS512", "ES256", "ES384"}
	case opts.Secret != "":
		secret := []byte(opts.Secret)
		v.keyfunc = func(*jwt.Token) (any, error) { return secret, nil }
		methods = []string{"HS256", "HS384", "HS512"}
	default:
		return nil, errors.New("jwt validator needs a secret or a jwks url")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.ClockSkew),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	v.parser = jwt.NewParser(parserOpts...)
	return v, nil
}

func (v *JWTValidator) Validate(_ context.Context, rawToken string) (Principal, error) {
	if rawToken == "" {
		return Principal{}, unauthorized("missing bearer token", nil)
	}

	claims := jwt.MapClaims{}
	token, err := v.parser.ParseWithClaims(rawToken, claims, v.keyfunc)
	if err != nil || !token.Valid {
		return Principal{}, unauthorized("invalid token", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Principal{}, unauthorized("token has no subject", err)
	}
	email, _ := claims["email"].(string)
	return Principal{UserID: sub, Email: email}, nil
}

// Close stops the background JWKS refresh.
func (v *JWTValidator) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
