package auth

import (
	"context"
	"errors"
	"time"

	xhttp "MarketGate/pkg/http"
)

// HTTPRefresher exchanges a refresh token at the account service.
// It talks to the bare client, never the pipeline, so a 401 here cannot recurse.
type HTTPRefresher struct {
	client xhttp.Handler
	path   string
}

func NewHTTPRefresher(client xhttp.Handler, path string) *HTTPRefresher {
	if path == "" {
		path = "/auth/refresh"
	}
	return &HTTPRefresher{client: client, path: path}
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	resp, err := r.client.Do(ctx, &xhttp.Request{
		Method: xhttp.MethodPost,
		URL:    r.path,
		Body:   map[string]string{"refreshToken": refreshToken},
	})
	if err != nil {
		return Credentials{}, err
	}
	if !resp.OK() {
		return Credentials{}, xhttp.NewClientError(xhttp.KindAuthentication, "refresh rejected").WithStatus(resp.StatusCode)
	}

	var payload refreshResponse
	if err := xhttp.DecodeEnvelope(resp, &payload); err != nil {
		return Credentials{}, err
	}
	if payload.AccessToken == "" {
		return Credentials{}, errors.New("refresh response has no access token")
	}

	creds := Credentials{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken}
	if payload.ExpiresIn > 0 {
		creds.ExpiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return creds, nil
}
