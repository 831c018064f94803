package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"chat-gateway/apperrors"

	"github.com/go-resty/resty/v2"
)

// identityUser is the subset of the identity provider's user record we read.
type identityUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// RemoteValidator asks a hosted identity provider who owns a token, using
// its GET /auth/v1/user endpoint.
type RemoteValidator struct {
	client *resty.Client
}

func NewRemoteValidator(baseURL, apiKey string, timeout time.Duration) *RemoteValidator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("apikey", apiKey)
	}
	return &RemoteValidator{client: client}
}

func (v *RemoteValidator) Validate(ctx context.Context, rawToken string) (Principal, error) {
	if rawToken == "" {
		return Principal{}, unauthorized("missing bearer token", nil)
	}

	var user identityUser
	resp, err := v.client.R().
		SetContext(ctx).
		SetAuthToken(rawToken).
		SetResult(&user).
		Get("/auth/v1/user")
	if err != nil {
		return Principal{}, apperrors.New(apperrors.LayerAuth, apperrors.TypeUpstream, "identity provider unreachable", err)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
	case resp.StatusCode() >= 500:
		return Principal{}, apperrors.New(apperrors.LayerAuth, apperrors.TypeUpstream,
			"identity provider returned "+resp.Status(), nil)
	default:
		return Principal{}, unauthorized("invalid token", nil)
	}

	if user.ID == "" {
		return Principal{}, unauthorized("identity provider returned no user", nil)
	}
	return Principal{UserID: user.ID, Email: user.Email}, nil
}
