// Package twitchapi holds the Twitch identity helpers used by the bridge: layered token
// resolution for chat accounts and calls against the id.twitch.tv OAuth endpoints.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ValidateURL is the token introspection endpoint.
const ValidateURL = "https://id.twitch.tv/oauth2/validate"

// ValidateResult is the body of a successful /oauth2/validate call.
type ValidateResult struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken asks Twitch who owns token. hc may be nil.
func ValidateToken(ctx context.Context, hc *http.Client, token string) (*ValidateResult, error) {
	if token == "" {
		return nil, errors.New("empty token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ValidateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("twitch token validation failed: %s: %s", resp.Status, string(b))
	}
	var res ValidateResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ComputeExpiry returns the absolute expiry of a token obtained at obtainedMs (unix millis, 0 =
// now) that lives expiresIn seconds. Zero expiresIn yields the zero time (unknown expiry).
func ComputeExpiry(obtainedMs, expiresIn int64) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	base := time.Now()
	if obtainedMs > 0 {
		base = time.UnixMilli(obtainedMs)
	}
	return base.Add(time.Duration(expiresIn) * time.Second)
}
