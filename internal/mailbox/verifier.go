package mailbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// DefaultSender is the address verification mail is expected from.
const DefaultSender = "noreply@email.kick.com"

// ErrNoCode is returned when the deadline elapses without a matching
// verification mail. It signals "no event observed", not a protocol
// error.
var ErrNoCode = errors.New("no verification code received")

// AuthError wraps a protocol-level login rejection.
type AuthError struct {
	Email string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("imap login failed for %s: %v", e.Email, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
}

// Verifier polls one mailbox for a verification code sent by a fixed
// trusted sender.
type Verifier struct {
	email    string
	password string
	host     string
	port     int
	sender   string

	dialTimeout time.Duration
	logger      *log.Logger
	sleep       func(ctx context.Context, d time.Duration) error
	newClient   func() (imapClient, error)

	client imapClient
}

// VerifierOption customizes verifier behavior.
type VerifierOption func(*Verifier)

// WithSender overrides the trusted sender address.
func WithSender(sender string) VerifierOption {
	return func(v *Verifier) {
		if sender != "" {
			v.sender = sender
		}
	}
}

// WithLogger overrides the logger used for poller diagnostics.
func WithLogger(logger *log.Logger) VerifierOption {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) VerifierOption {
	return func(v *Verifier) {
		if timeout > 0 {
			v.dialTimeout = timeout
		}
	}
}

func withClientFactory(factory func() (imapClient, error)) VerifierOption {
	return func(v *Verifier) {
		v.newClient = factory
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) VerifierOption {
	return func(v *Verifier) {
		if sleep != nil {
			v.sleep = sleep
		}
	}
}

// NewVerifier returns a poller for the given mailbox credential.
func NewVerifier(email, password, host string, port int, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		email:       email,
		password:    password,
		host:        host,
		port:        port,
		sender:      DefaultSender,
		dialTimeout: 10 * time.Second,
		logger:      log.Default(),
		sleep:       sleepCtx,
	}
	v.newClient = v.defaultClientFactory
	for _, opt := range opts {
		opt(v)
	}
	if v.newClient == nil {
		v.newClient = v.defaultClientFactory
	}
	return v
}

// Connect dials the IMAP server and authenticates. Login rejections are
// surfaced as *AuthError.
func (v *Verifier) Connect() error {
	client, err := v.newClient()
	if err != nil {
		return fmt.Errorf("imap connect %s:%d: %w", v.host, v.port, err)
	}
	if err := client.Login(v.email, v.password).Wait(); err != nil {
		_ = client.Close()
		return &AuthError{Email: v.email, Err: err}
	}
	v.client = client
	v.logger.Printf("imap session established for %s", v.email)
	return nil
}

// Disconnect logs out best-effort. Safe to call when not connected.
func (v *Verifier) Disconnect() {
	if v.client == nil {
		return
	}
	if err := v.client.Logout().Wait(); err != nil {
		v.logger.Printf("imap logout error for %s: %v", v.email, err)
		_ = v.client.Close()
	}
	v.client = nil
}

// WaitForCode polls the inbox every pollInterval until a verification
// code shows up or the timeout budget is spent. Idle time between polls
// never exceeds what remains of the budget; a missing mail yields
// ErrNoCode no earlier than the timeout and no later than one extra
// interval.
func (v *Verifier) WaitForCode(ctx context.Context, timeout, pollInterval time.Duration) (string, error) {
	if v.client == nil {
		if err := v.Connect(); err != nil {
			return "", err
		}
	}

	v.logger.Printf("waiting for verification mail to %s (timeout %s, poll %s)", v.email, timeout, pollInterval)

	start := time.Now()
	attempts := 0
	for {
		attempts++
		code, err := v.searchOnce()
		if err != nil {
			v.logger.Printf("inbox search attempt %d failed: %v", attempts, err)
		} else if code != "" {
			v.logger.Printf("verification code for %s found after %d attempt(s)", v.email, attempts)
			return code, nil
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return "", fmt.Errorf("%w for %s within %s after %d attempt(s)", ErrNoCode, v.email, timeout, attempts)
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		if err := v.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

// searchOnce runs one synchronous inbox pass: select, search by sender,
// fetch bodies newest first, extract from subject then body.
func (v *Verifier) searchOnce() (string, error) {
	if _, err := v.client.Select("INBOX", nil).Wait(); err != nil {
		return "", fmt.Errorf("imap select: %w", err)
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: v.sender}},
	}
	searchData, err := v.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return "", fmt.Errorf("imap search: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return "", nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	buffers, err := v.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return "", fmt.Errorf("imap fetch: %w", err)
	}

	for i := len(buffers) - 1; i >= 0; i-- {
		raw := buffers[i].FindBodySection(&imap.FetchItemBodySection{})
		if raw == nil {
			continue
		}
		subject, body := parseMessage(raw)
		if code := ExtractCode(subject); code != "" {
			return code, nil
		}
		if code := ExtractCode(body); code != "" {
			return code, nil
		}
	}
	return "", nil
}

func (v *Verifier) defaultClientFactory() (imapClient, error) {
	addr := fmt.Sprintf("%s:%d", v.host, v.port)
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: v.dialTimeout}}
	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
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
