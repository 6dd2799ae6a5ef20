// Package authclient is the client-side companion of the auth API: an
// http.RoundTripper that attaches the access token to outgoing requests
// and transparently rotates the pair when the server reports it expired.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"
)

// ErrSessionExpired is returned when rotation fails and the stored
// credentials have been cleared; the caller must reauthenticate.
var ErrSessionExpired = errors.New("authclient: session expired")

// Transport decorates a base RoundTripper with bearer auth and a
// retry-once-on-expiry rule.
//
// Any number of concurrent requests hitting an expired access token share
// one rotation: the refresh token is single use, so letting each request
// rotate on its own would trip the server's replay response and kill the
// whole session.
type Transport struct {
	log     *slog.Logger
	base    http.RoundTripper
	source  TokenSource
	rotator Rotator
	group   singleflight.Group
}

// NewTransport constructs the auth transport. base may be nil for
// http.DefaultTransport.
func NewTransport(log *slog.Logger, source TokenSource, rotator Rotator, base http.RoundTripper) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	if source == nil || rotator == nil {
		return nil, errors.New("authclient: nil dependency")
	}
	return &Transport{log: log, base: base, source: source, rotator: rotator}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	access := t.source.AccessToken()

	resp, err := t.send(req, access)
	if err != nil {
		return nil, err
	}

	expired := expiredAuthResponse(resp)
	if !expired {
		return resp, nil
	}
	// A request body without GetBody cannot be replayed; surface the 401.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	fresh, rotateErr := t.rotate(req.Context(), access)
	if rotateErr != nil {
		_ = resp.Body.Close()
		return nil, rotateErr
	}

	_ = resp.Body.Close()
	return t.send(req, fresh)
}

// send issues one attempt with the given access token. The original
// request is never mutated.
func (t *Transport) send(req *http.Request, access string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	if access != "" {
		clone.Header.Set("Authorization", "Bearer "+access)
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

// rotate exchanges the refresh token for a new pair, collapsing concurrent
// callers into one rotation. staleAccess is the token the caller just saw
// rejected; if the stored token already differs, someone else rotated and
// the stored one is returned as-is.
func (t *Transport) rotate(ctx context.Context, staleAccess string) (string, error) {
	v, err, _ := t.group.Do("rotate", func() (any, error) {
		if current := t.source.AccessToken(); current != "" && current != staleAccess {
			return current, nil
		}

		refreshToken := t.source.RefreshToken()
		if refreshToken == "" {
			return nil, errors.New("no refresh token")
		}

		access, refresh, err := t.rotator.Rotate(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		if err := t.source.SetPair(access, refresh); err != nil {
			return nil, err
		}
		t.log.Debug("authclient.rotate.ok")
		return access, nil
	})
	if err != nil {
		// Terminal: the session is unrecoverable from this side.
		t.source.Clear()
		t.log.Warn("authclient.rotate.fail", "err", err)
		return "", fmt.Errorf("%w: %v", ErrSessionExpired, err)
	}
	return v.(string), nil
}

// expiredAuthResponse reports whether resp is the server's expired-token
// rejection. The body is consumed and replaced so pass-through responses
// stay readable.
func expiredAuthResponse(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return false
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return false
	}
	return body.Error.Code == "expired"
}
