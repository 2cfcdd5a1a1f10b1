package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sethvargo/go-retry"

	"github.com/opsdesk/vaultsync/internal/common"
	"github.com/opsdesk/vaultsync/internal/logging"
)

// Config holds everything needed to talk to one server account. The client
// secret arrives in plaintext here: the caller opens the stored handle at
// the crypto boundary just before constructing the client.
type Config struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	OrganizationID string

	// CallTimeout bounds each individual network call; retries get a fresh
	// timeout each attempt.
	CallTimeout time.Duration

	// RetryBaseDelay is the first backoff step. Defaults to one second;
	// tests shrink it.
	RetryBaseDelay time.Duration

	HTTPClient *http.Client
}

// Client implements Connector over the Bitwarden REST surface:
// /identity/connect/token for sessions, /api/ciphers for items,
// /api/collections for grouping.
type Client struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
}

const (
	defaultCallTimeout = 30 * time.Second
	pageSize           = 100

	// sessionSlack refreshes the token this long before its actual expiry.
	sessionSlack = 30 * time.Second
)

func NewClient(cfg Config, logger logging.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 1 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		logger: logger.With("module", "connector"),
	}
}

// backoff returns the per-call retry policy: base 1s, doubling, capped,
// at most 5 attempts in total.
func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.RetryBaseDelay)
	b = retry.WithCappedDuration(30*time.Second, b)
	return retry.WithMaxRetries(4, b)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Authenticate performs the client-credentials exchange and caches the
// bearer session. The token's own exp claim wins over expires_in when it
// parses, since the identity endpoint's JWT is authoritative.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"scope":         {"api"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
		"deviceType":    {"21"}, // SDK
		"deviceName":    {"vaultsync"},
	}

	var tr tokenResponse
	err := c.do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.BaseURL, "/")+"/identity/connect/token",
			strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrTransient, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return fmt.Errorf("%w: token response: %w", common.ErrValidation, err)
		}
		if tr.AccessToken == "" {
			return fmt.Errorf("%w: empty access token", common.ErrAuth)
		}
		return nil
	})
	if err != nil {
		return err
	}

	expires := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if exp, ok := tokenExpiry(tr.AccessToken); ok {
		expires = exp
	}

	c.mu.Lock()
	c.token, c.expires = tr.AccessToken, expires
	c.mu.Unlock()

	c.logger.Info(ctx, "session established", "expires", expires)
	return nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// server signed the token for itself, the client only needs the deadline.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// session returns a valid bearer token, re-authenticating proactively when
// the cached one is within the refresh slack of expiry.
func (c *Client) session(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expires := c.token, c.expires
	c.mu.Unlock()

	if token != "" && time.Until(expires) > sessionSlack {
		return token, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

// do runs one attempt function under the retry policy with a per-attempt
// timeout. Only errors marked common.ErrTransient are retried; an exhausted
// budget escalates to common.ErrConnector.
func (c *Client) do(ctx context.Context, attempt func(ctx context.Context) error) error {
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()

		err := attempt(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", common.ErrTransient, err)
		}
		if errors.Is(err, common.ErrTransient) {
			c.logger.Debug(ctx, "transient call failure, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && errors.Is(err, common.ErrTransient) {
		return fmt.Errorf("%w: retry budget exhausted: %w", common.ErrConnector, err)
	}
	return err
}

// classifyStatus maps a non-2xx response onto the error taxonomy and drains
// rate-limit hints. The body is never included for auth failures.
func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", common.ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return common.ErrorNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: wait}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", common.ErrTransient, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", common.ErrValidation, resp.StatusCode, string(body))
	}
}

// RateLimitError is a transient failure carrying the server-advertised
// back-off hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return common.ErrTransient }

// apiRequest performs one authenticated JSON API call and decodes the
// response into out (when non-nil).
func (c *Client) apiRequest(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.do(ctx, func(ctx context.Context) error {
		token, err := c.session(ctx)
		if err != nil {
			return err
		}

		u := strings.TrimRight(c.cfg.BaseURL, "/") + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(b)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrTransient, err)
		}
		defer resp.Body.Close()

		if err := classifyStatus(resp); err != nil {
			var rle *RateLimitError
			if errors.As(err, &rle) && rle.RetryAfter > 0 {
				// Honor the server's hint inside this attempt so the
				// retry policy's own delay comes on top of it.
				select {
				case <-time.After(rle.RetryAfter):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %w", common.ErrValidation, err)
		}
		return nil
	})
}
