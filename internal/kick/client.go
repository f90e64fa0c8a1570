package kick

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Endpoint paths under the API base URL.
const (
	sendCodePath   = "/v1/signup/send/email"
	verifyCodePath = "/v1/signup/verify/email"
	registerPath   = "/v1/signup/register"
)

const (
	retryAttempts = 3
	retryDelay    = 5 * time.Second
)

// APIError is a non-2xx response from the registration target. 4xx
// responses are never retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kick api status %d: %s", e.Status, e.Body)
}

// Client talks to the registration target's signup endpoints. Every
// call carries the challenge headers obtained from the solver.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithLogger overrides the logger used for client diagnostics.
func WithLogger(logger *log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewClient builds a registration client for the given API base URL,
// e.g. "https://kick.com/api".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendCodeURL returns the absolute send-code endpoint; the solver needs
// it as the challenge target.
func (c *Client) SendCodeURL() string {
	return c.baseURL + sendCodePath
}

// SendCode asks the target to mail a verification code to the address.
func (c *Client) SendCode(ctx context.Context, challenge map[string]string, email string) error {
	payload := map[string]any{
		"email":           email,
		"agreed_to_terms": true,
	}
	_, err := c.post(ctx, sendCodePath, challenge, payload)
	if err != nil {
		return fmt.Errorf("send verification code: %w", err)
	}
	c.logger.Printf("verification code requested for %s", email)
	return nil
}

// VerifyCode exchanges the mailed code for a verification token.
func (c *Client) VerifyCode(ctx context.Context, challenge map[string]string, email, code string) (string, error) {
	payload := map[string]any{
		"email": email,
		"code":  code,
	}
	body, err := c.post(ctx, verifyCodePath, challenge, payload)
	if err != nil {
		return "", fmt.Errorf("verify code: %w", err)
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Token == "" {
		return "", fmt.Errorf("verify code: response missing token")
	}
	return parsed.Token, nil
}

// RegisterRequest carries everything the final signup call needs.
type RegisterRequest struct {
	Email             string
	Username          string
	Password          string
	Birthdate         string
	VerificationToken string
}

// Register completes signup and returns the raw account payload.
func (c *Client) Register(ctx context.Context, challenge map[string]string, req RegisterRequest) (json.RawMessage, error) {
	payload := map[string]any{
		"email":                 req.Email,
		"username":              req.Username,
		"password":              req.Password,
		"password_confirmation": req.Password,
		"birthdate":             req.Birthdate,
		"agreed_to_terms":       true,
		"verification_token":    req.VerificationToken,
	}
	body, err := c.post(ctx, registerPath, challenge, payload)
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	c.logger.Printf("account registered: %s", req.Username)
	return json.RawMessage(body), nil
}

// post sends one JSON request with bounded retries. Server errors and
// transport failures are retried with a fixed delay; client errors are
// returned immediately.
func (c *Client) post(ctx context.Context, path string, challenge map[string]string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		body, err := c.doOnce(ctx, path, challenge, data)
		if err == nil {
			return body, nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 {
			return nil, err
		}
		lastErr = err
		c.logger.Printf("request %s attempt %d/%d failed: %v", path, attempt, retryAttempts, err)

		if attempt < retryAttempts {
			if err := c.sleep(ctx, retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, path string, challenge map[string]string, data []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range challenge {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Origin", "https://kick.com")
	req.Header.Set("Referer", "https://kick.com/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return body, nil
	}
	return nil, &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
