package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/breatheroute/netlayer/internal/transport"
)

// DefaultRefreshPath is the refresh endpoint relative to the API base URL.
const DefaultRefreshPath = "/auth/refresh"

// HTTPRefresher refreshes tokens with POST {BaseURL}{Path} {"refreshToken": ...}.
type HTTPRefresher struct {
	BaseURL string
	Path    string
	Client  transport.Doer
	Timeout time.Duration
}

// NewHTTPRefresher creates a refresher against baseURL.
func NewHTTPRefresher(baseURL string, client transport.Doer, timeout time.Duration) *HTTPRefresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRefresher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Path:    DefaultRefreshPath,
		Client:  client,
		Timeout: timeout,
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken       string `json:"accessToken"`
	RefreshToken      string `json:"refreshToken"`
	AccessTokenSnake  string `json:"access_token"`
	RefreshTokenSnake string `json:"refresh_token"`
}

// Refresh calls the refresh endpoint. A 401 is reported as
// transport.ErrSessionExpired; server errors and connection failures as
// *transport.NetworkError.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return Tokens{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+r.Path, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := transport.CallWithTimeout(ctx, r.Client, req, r.Timeout)
	if err != nil {
		return Tokens{}, err
	}
	result, err := transport.ParseResponse(resp)
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.Status == http.StatusUnauthorized:
				return Tokens{}, fmt.Errorf("refresh rejected: %w", transport.ErrSessionExpired)
			case httpErr.Status >= 500:
				return Tokens{}, &transport.NetworkError{
					Op:         "refresh",
					URL:        req.URL.String(),
					StatusCode: httpErr.Status,
					Err:        httpErr,
				}
			}
		}
		return Tokens{}, err
	}

	var decoded refreshResponse
	if err := json.Unmarshal(result.Payload, &decoded); err != nil {
		return Tokens{}, fmt.Errorf("decode refresh response: %w", err)
	}

	tokens := Tokens{
		AccessToken:  firstNonEmpty(decoded.AccessToken, decoded.AccessTokenSnake),
		RefreshToken: firstNonEmpty(decoded.RefreshToken, decoded.RefreshTokenSnake),
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("refresh response has no access token")
	}
	return tokens, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
