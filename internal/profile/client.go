// Package profile fetches user profiles from the ApplyPilot API
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Client fetches profiles with retries
type Client struct {
	http *retryablehttp.Client
	log  zerolog.Logger
}

// NewClient creates a client whose requests give up after timeout
func NewClient(timeout time.Duration, retries int, logger zerolog.Logger) *Client {
	log := logger.With().Str("component", "profile").Logger()

	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = leveledLogger{log}

	return &Client{http: rc, log: log}
}

// Fetch returns the profile of userID from {apiHost}/api/user/{userID}. A
// response wrapped in "data" or "user" is unwrapped.
func (c *Client) Fetch(ctx context.Context, apiHost, userID string) (map[string]any, error) {
	endpoint := strings.TrimRight(apiHost, "/") + "/api/user/" + url.PathEscape(userID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch profile for %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch profile for %s: unexpected status %d", userID, resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode profile for %s: %w", userID, err)
	}
	for _, key := range []string{"data", "user"} {
		if inner, ok := body[key].(map[string]any); ok {
			return inner, nil
		}
	}
	return body, nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Trace().Fields(kv).Msg(msg) }
