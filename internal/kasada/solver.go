package kasada

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// Failure classes callers branch on. Invalid keys and rate limits are
// surfaced immediately without retry; everything else is retried.
var (
	ErrInvalidAPIKey = errors.New("invalid or missing solver API key")
	ErrRateLimited   = errors.New("solver rate limit exceeded")
	ErrTimeout       = errors.New("solver request timed out")
	ErrSolveFailed   = errors.New("challenge solve failed")
)

const (
	defaultEndpoint = "https://kasada-reverse.p.rapidapi.com/kasada"
	defaultHost     = "kasada-reverse.p.rapidapi.com"

	maxAttempts    = 3
	requestTimeout = 30 * time.Second
	rateLimitDelay = time.Second
)

// Solver obtains anti-bot bypass headers from the external solving
// service. It enforces a minimum spacing between consecutive calls
// itself, so callers never need to coordinate.
type Solver struct {
	apiKey   string
	testMode bool
	endpoint string
	host     string

	httpClient *http.Client
	logger     *log.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu       sync.Mutex
	lastCall time.Time
}

// SolverOption customizes solver behavior.
type SolverOption func(*Solver)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(client *http.Client) SolverOption {
	return func(s *Solver) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithEndpoint points the solver at a different service URL.
func WithEndpoint(endpoint string) SolverOption {
	return func(s *Solver) {
		if endpoint != "" {
			s.endpoint = endpoint
		}
	}
}

// WithLogger overrides the logger used for solver diagnostics.
func WithLogger(logger *log.Logger) SolverOption {
	return func(s *Solver) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) SolverOption {
	return func(s *Solver) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

func withClock(now func() time.Time) SolverOption {
	return func(s *Solver) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSolver builds a solver. Outside test mode an API key is required.
func NewSolver(apiKey string, testMode bool, opts ...SolverOption) (*Solver, error) {
	if apiKey == "" && !testMode {
		return nil, ErrInvalidAPIKey
	}
	s := &Solver{
		apiKey:     apiKey,
		testMode:   testMode,
		endpoint:   defaultEndpoint,
		host:       defaultHost,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     log.Default(),
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Solve returns the header map needed to pass the target's anti-bot
// check for one request. In test mode it returns fixed mock headers
// after a short simulated delay; otherwise it calls the service with
// bounded retries and exponential backoff, retrying only on 5xx,
// timeout and transport errors.
func (s *Solver) Solve(ctx context.Context, method, fetchURL string) (map[string]string, error) {
	if s.testMode {
		if err := s.sleep(ctx, 100*time.Millisecond); err != nil {
			return nil, err
		}
		s.logger.Printf("[test mode] returning mock challenge headers for %s", fetchURL)
		return mockHeaders(), nil
	}
	if fetchURL == "" {
		return nil, fmt.Errorf("%w: fetch url is required", ErrSolveFailed)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.enforceRateLimit(ctx); err != nil {
			return nil, err
		}

		headers, err := s.call(ctx, method, fetchURL)
		if err == nil {
			s.logger.Printf("challenge solved on attempt %d/%d", attempt, maxAttempts)
			return headers, nil
		}
		if errors.Is(err, ErrInvalidAPIKey) || errors.Is(err, ErrRateLimited) {
			return nil, err
		}
		lastErr = err
		s.logger.Printf("solve attempt %d/%d failed: %v", attempt, maxAttempts, err)

		if attempt < maxAttempts {
			backoff := time.Duration(1<<attempt) * time.Second
			if err := s.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSolveFailed, maxAttempts, lastErr)
}

func (s *Solver) enforceRateLimit(ctx context.Context) error {
	s.mu.Lock()
	wait := rateLimitDelay - s.now().Sub(s.lastCall)
	if wait < 0 {
		wait = 0
	}
	s.lastCall = s.now().Add(wait)
	s.mu.Unlock()

	if wait > 0 {
		return s.sleep(ctx, wait)
	}
	return nil
}

func (s *Solver) call(ctx context.Context, method, fetchURL string) (map[string]string, error) {
	payload, err := json.Marshal(map[string]string{
		"method": method,
		"url":    fetchURL,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal solve payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build solve request: %w", err)
	}
	req.Header.Set("X-RapidAPI-Key", s.apiKey)
	req.Header.Set("X-RapidAPI-Host", s.host)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusOK:
		headers := map[string]string{}
		if err := json.Unmarshal(body, &headers); err != nil {
			return nil, fmt.Errorf("decode solver response: %w", err)
		}
		return headers, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidAPIKey
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("solver returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
}

func mockHeaders() map[string]string {
	return map[string]string{
		"x-kpsdk-cd": "mock-cd-token-12345",
		"x-kpsdk-ct": "mock-ct-token-67890",
		"user-agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"cookie":     "mock-kasada-cookie=test123",
	}
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
