package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Rotator exchanges a refresh token for a fresh pair.
type Rotator interface {
	Rotate(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

// RefreshEndpoint rotates against the server's /auth/refresh endpoint
// using the native (body) transport.
type RefreshEndpoint struct {
	URL    string
	Client *http.Client
}

type refreshEndpointRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshEndpointResponse struct {
	Session struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"session"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *RefreshEndpoint) Rotate(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(refreshEndpointRequest{RefreshToken: refreshToken})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}

	var parsed refreshEndpointResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", "", fmt.Errorf("authclient: bad refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		code := strings.TrimSpace(parsed.Error.Code)
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return "", "", fmt.Errorf("authclient: refresh rejected: %s", code)
	}
	if parsed.Session.AccessToken == "" || parsed.Session.RefreshToken == "" {
		return "", "", errors.New("authclient: refresh response missing tokens")
	}
	return parsed.Session.AccessToken, parsed.Session.RefreshToken, nil
}
