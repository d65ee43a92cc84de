package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/harunnryd/parley/pkg/resilience"
)

type tokenRequest struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// acquireToken exchanges identity and room for a media-relay access token.
func (t *Transport) acquireToken(ctx context.Context) (string, error) {
	body, _ := json.Marshal(tokenRequest{Identity: t.cfg.Identity, Room: t.cfg.Room})
	endpoint := strings.TrimRight(t.cfg.BackendURL, "/") + t.cfg.TokenPath

	var token string
	policy := resilience.NewRetryPolicy(t.cfg.Retries, t.cfg.RetryBackoff)
	err := policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if t.cfg.Credential != "" {
			req.Header.Set("Authorization", "Bearer "+t.cfg.Credential)
		}
		resp, err := t.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError("token", resp); err != nil {
			return err
		}
		var out tokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return resilience.Permanent(fmt.Errorf("decode token response: %w", err))
		}
		if strings.TrimSpace(out.Token) == "" {
			return resilience.Permanent(fmt.Errorf("token response without token"))
		}
		token = out.Token
		return nil
	})
	return token, err
}

// exchangeSDP posts the local offer to the relay and returns the answer SDP.
func (t *Transport) exchangeSDP(ctx context.Context, token, offer string) (string, error) {
	endpoint := strings.TrimRight(t.cfg.MediaRelayURL, "/") + t.cfg.SignalPath
	var answer string
	policy := resilience.NewRetryPolicy(t.cfg.Retries, t.cfg.RetryBackoff)
	err := policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/sdp")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := t.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError("signal", resp); err != nil {
			return err
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		answer = string(b)
		return nil
	})
	return answer, err
}

// statusError treats 4xx as permanent and 5xx as retryable.
func statusError(leg string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s: %s: %s", leg, resp.Status, strings.TrimSpace(string(msg)))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return resilience.Permanent(err)
	}
	return err
}
